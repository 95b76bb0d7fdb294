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

package bbr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"sigs.k8s.io/inference-proxy/pkg/inference/body"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantModel  string
		wantReason Reason
	}{
		{name: "simple", body: `{"model":"gpt-4","prompt":"hi"}`, wantModel: "gpt-4", wantReason: ReasonFound},
		{name: "model after other fields", body: `{"prompt":"hi","max_tokens":5,"model":"llama-3"}`, wantModel: "llama-3", wantReason: ReasonFound},
		{name: "whitespace preserved", body: `{"model":"  spaced  "}`, wantModel: "  spaced  ", wantReason: ReasonFound},
		{name: "whitespace only is a name", body: `{"model":" "}`, wantModel: " ", wantReason: ReasonFound},
		{name: "escaped characters", body: `{"model":"org\/modelA"}`, wantModel: "org/modelA", wantReason: ReasonFound},
		{name: "last duplicate wins", body: `{"model":"first","model":"second"}`, wantModel: "second", wantReason: ReasonFound},
		{name: "missing", body: `{"prompt":"hi"}`, wantReason: ReasonMissing},
		{name: "case sensitive", body: `{"Model":"gpt-4"}`, wantReason: ReasonMissing},
		{name: "nested is ignored", body: `{"params":{"model":"gpt-4"}}`, wantReason: ReasonMissing},
		{name: "empty object", body: `{}`, wantReason: ReasonMissing},
		{name: "empty string", body: `{"model":""}`, wantReason: ReasonNotParsed},
		{name: "number", body: `{"model":123}`, wantReason: ReasonNotParsed},
		{name: "null", body: `{"model":null}`, wantReason: ReasonNotParsed},
		{name: "object", body: `{"model":{"name":"gpt-4"}}`, wantReason: ReasonNotParsed},
		{name: "array top level", body: `[{"model":"gpt-4"}]`, wantReason: ReasonNotParsed},
		{name: "invalid json", body: `{"model":"gpt-4"`, wantReason: ReasonNotParsed},
		{name: "trailing garbage", body: `{"model":"gpt-4"} x`, wantReason: ReasonNotParsed},
		{name: "not json", body: `model=gpt-4`, wantReason: ReasonNotParsed},
		{name: "invalid utf8", body: "{\"model\":\"\xff\xfe\"}", wantReason: ReasonNotParsed},
		{name: "empty", body: ``, wantReason: ReasonNotParsed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			model, reason := Lookup([]byte(test.body))
			assert.Equal(t, test.wantReason, reason)
			assert.Equal(t, test.wantModel, model)
		})
	}
}

func TestExtractModel(t *testing.T) {
	snap := func(s string) *body.Snapshot { return &body.Snapshot{Bytes: []byte(s)} }

	assert.Equal(t, "gpt-4", ExtractModel(snap(`{"model":"gpt-4","prompt":"hi"}`), "unknown"))
	assert.Equal(t, "gpt-3.5-turbo", ExtractModel(snap(`{"prompt":"hi"}`), "gpt-3.5-turbo"))
	assert.Equal(t, "fallback", ExtractModel(snap(`not json`), "fallback"))
	assert.Equal(t, DefaultModelName, ExtractModel(snap(`{}`), ""))
	assert.Equal(t, "fallback", ExtractModel(nil, "fallback"))

	// Repeated extraction is stable.
	s := snap(`{"model":"X"}`)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "X", ExtractModel(s, "unknown"))
	}
}

func FuzzExtractModelNeverEmpty(f *testing.F) {
	f.Add([]byte(`{"model":"gpt-4"}`))
	f.Add([]byte(`{"model":""}`))
	f.Add([]byte(strings.Repeat("[", 64)))
	f.Fuzz(func(t *testing.T, b []byte) {
		if got := ExtractModel(&body.Snapshot{Bytes: b}, "default"); got == "" {
			t.Fatalf("empty model for %q", b)
		}
	})
}
