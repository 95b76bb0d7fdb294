/*
Copyright 2025 The Kubernetes Authors.

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

package extproc

import (
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

const (
	RequestIdHeaderKey = "x-request-id"
)

// Header is one request header copied into a work unit.
type Header struct {
	Key   string
	Value string
}

// GetHeaderValue safely extracts the string value from an Envoy HeaderValue field.
func GetHeaderValue(header *corev3.HeaderValue) string {
	if len(header.GetRawValue()) > 0 {
		return string(header.GetRawValue())
	}
	return header.GetValue()
}

// ExtractHeaderValue searches for a specific header key in the processing request and returns its value.
// The lookup is case-insensitive.
// Returns an empty string if the header is missing or if the request structure is nil.
func ExtractHeaderValue(req *extProcPb.ProcessingRequest_RequestHeaders, headerKey string) string {
	if req == nil {
		return ""
	}
	for _, headerKv := range req.RequestHeaders.GetHeaders().GetHeaders() {
		if strings.EqualFold(headerKv.GetKey(), headerKey) {
			return GetHeaderValue(headerKv)
		}
	}
	return ""
}

// BuildHeaderMap lower-cases header names the way Envoy presents them and
// sends every value as raw bytes.
func BuildHeaderMap(headers []Header) *corev3.HeaderMap {
	values := make([]*corev3.HeaderValue, 0, len(headers))
	for _, h := range headers {
		values = append(values, &corev3.HeaderValue{
			Key:      strings.ToLower(h.Key),
			RawValue: []byte(h.Value),
		})
	}
	return &corev3.HeaderMap{Headers: values}
}

// headerMutation returns the mutation carried by any response variant, and
// false when the frame has no variant at all.
func headerMutation(resp *extProcPb.ProcessingResponse) (*extProcPb.HeaderMutation, bool) {
	switch r := resp.GetResponse().(type) {
	case *extProcPb.ProcessingResponse_RequestHeaders:
		return r.RequestHeaders.GetResponse().GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_ResponseHeaders:
		return r.ResponseHeaders.GetResponse().GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_RequestBody:
		return r.RequestBody.GetResponse().GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_ResponseBody:
		return r.ResponseBody.GetResponse().GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_RequestTrailers:
		return r.RequestTrailers.GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_ResponseTrailers:
		return r.ResponseTrailers.GetHeaderMutation(), true
	case *extProcPb.ProcessingResponse_ImmediateResponse:
		return r.ImmediateResponse.GetHeaders(), true
	default:
		return nil, false
	}
}

// FindHeaderMutation looks for a non-empty set-header entry named name,
// case-insensitively. wellFormed is false when the frame carries no response
// variant.
func FindHeaderMutation(resp *extProcPb.ProcessingResponse, name string) (value string, found bool, wellFormed bool) {
	mutation, wellFormed := headerMutation(resp)
	for _, opt := range mutation.GetSetHeaders() {
		h := opt.GetHeader()
		if !strings.EqualFold(h.GetKey(), name) {
			continue
		}
		if v := GetHeaderValue(h); v != "" {
			return v, true, wellFormed
		}
	}
	return "", false, wellFormed
}
