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
	"bytes"
	"crypto/rand"
	"testing"
)

func TestBuildChunkedBodyResponses(t *testing.T) {
	tests := []struct {
		name                 string
		count                int
		expectedMessageCount int
	}{
		{name: "empty body", count: 0, expectedMessageCount: 1},
		{name: "below limit", count: BodyByteLimit - 1000, expectedMessageCount: 1},
		{name: "at limit", count: BodyByteLimit, expectedMessageCount: 1},
		{name: "one byte over", count: BodyByteLimit + 1, expectedMessageCount: 2},
		{name: "two chunks and a tail", count: (BodyByteLimit * 2) + 1000, expectedMessageCount: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			body := generateBytes(test.count)
			responses := BuildChunkedBodyResponses(body, true)
			if len(responses) != test.expectedMessageCount {
				t.Fatalf("Expected: %v, Got %v", test.expectedMessageCount, len(responses))
			}

			var joined []byte
			for i, response := range responses {
				streamed := response.BodyMutation.GetStreamedResponse()
				if len(streamed.GetBody()) > BodyByteLimit {
					t.Fatalf("chunk %d has %d bytes", i, len(streamed.GetBody()))
				}
				if last := i+1 == len(responses); streamed.GetEndOfStream() != last {
					t.Fatalf("chunk %d: EoS = %v, want %v", i, streamed.GetEndOfStream(), last)
				}
				joined = append(joined, streamed.GetBody()...)
			}
			if !bytes.Equal(joined, body) {
				t.Fatal("chunks do not reassemble the body")
			}
		})
	}
}

func TestBuildChunkedBodyResponsesWithoutEos(t *testing.T) {
	for _, response := range BuildChunkedBodyResponses(generateBytes(BodyByteLimit*2), false) {
		if response.BodyMutation.GetStreamedResponse().GetEndOfStream() {
			t.Fatal("EoS should not be set")
		}
	}
}

func generateBytes(count int) []byte {
	arr := make([]byte, count)
	_, _ = rand.Read(arr)
	return arr
}
