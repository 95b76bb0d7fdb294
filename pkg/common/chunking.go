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

package common

import (
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// BodyByteLimit is the largest streamed body chunk sent back to Envoy. Some
// Envoy builds cap chunks at 64KiB, so this stays a little below.
const BodyByteLimit = 62000

// BuildChunkedBodyResponses splits body into streamed body mutations of at
// most BodyByteLimit bytes. An empty body still yields one mutation. When
// setEos is true only the last mutation ends the stream.
func BuildChunkedBodyResponses(body []byte, setEos bool) []*extProcPb.CommonResponse {
	chunks := [][]byte{body}
	if len(body) > BodyByteLimit {
		chunks = chunks[:0]
		for start := 0; start < len(body); start += BodyByteLimit {
			chunks = append(chunks, body[start:min(start+BodyByteLimit, len(body))])
		}
	}

	responses := make([]*extProcPb.CommonResponse, 0, len(chunks))
	for i, chunk := range chunks {
		responses = append(responses, &extProcPb.CommonResponse{
			BodyMutation: &extProcPb.BodyMutation{
				Mutation: &extProcPb.BodyMutation_StreamedResponse{
					StreamedResponse: &extProcPb.StreamedBodyResponse{
						Body:        chunk,
						EndOfStream: setEos && i == len(chunks)-1,
					},
				},
			},
		})
	}
	return responses
}
