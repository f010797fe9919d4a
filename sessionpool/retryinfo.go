/*
Copyright 2017 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sessionpool

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	edpb "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// retryInfoKey is the trailer metadata key a backend uses to tell a caller
// how long to wait before retrying, ported verbatim from retry.go's own
// retryInfoKey constant.
const retryInfoKey = "google.rpc.retryinfo-bin"

// NewRetryableError builds an error carrying a server-suggested retry delay
// as a RetryInfo trailer, for ServiceClient implementations whose backend
// can name its own backoff instead of leaving the caller to guess one.
func NewRetryableError(code codes.Code, msg string, retryDelay time.Duration) error {
	raw, err := proto.Marshal(&edpb.RetryInfo{RetryDelay: ptypes.DurationProto(retryDelay)})
	if err != nil {
		return poolErrorf(code, "%s", msg)
	}
	// Binary ("-bin") metadata values are held raw in memory, as gRPC
	// delivers received trailers; extractRetryDelay reads them that way.
	trailers := metadata.Pairs(retryInfoKey, string(raw))
	return wrapErrorWithTrailers(code, msg, nil, trailers)
}

// extractRetryDelay extracts a server-suggested retry backoff from err's
// trailers, if present, ported from retry.go:137-160's function of the
// same name.
func extractRetryDelay(err error) (time.Duration, bool) {
	trailers := errTrailers(err)
	if trailers == nil {
		return 0, false
	}
	elem, ok := trailers[retryInfoKey]
	if !ok || len(elem) == 0 {
		return 0, false
	}
	_, b, err := metadata.DecodeKeyValue(retryInfoKey, elem[0])
	if err != nil {
		return 0, false
	}
	var retryInfo edpb.RetryInfo
	if proto.Unmarshal([]byte(b), &retryInfo) != nil {
		return 0, false
	}
	delay, err := ptypes.Duration(retryInfo.RetryDelay)
	if err != nil {
		return 0, false
	}
	return delay, true
}
