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

// Package bbr implements body-based routing: finding the model a request
// asks for in its JSON body.
package bbr

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"sigs.k8s.io/inference-proxy/pkg/inference/body"
)

const (
	// DefaultModelName is used when neither the body nor the configuration names a model.
	DefaultModelName = "unknown"

	modelField = "model"
)

// Reason explains the outcome of a model lookup.
type Reason int

const (
	ReasonFound Reason = iota
	// ReasonMissing means the body is a JSON object without a model field.
	ReasonMissing
	// ReasonNotParsed means the body is not a JSON object, or the model
	// field is not a non-empty string.
	ReasonNotParsed
)

func (r Reason) String() string {
	switch r {
	case ReasonFound:
		return "found"
	case ReasonMissing:
		return "missing"
	default:
		return "not-parsed"
	}
}

// Lookup returns the top-level "model" string of a JSON object body. Key
// matching is case-sensitive, nested fields are ignored, and whitespace in
// the value is preserved. When a key repeats the last occurrence wins.
func Lookup(b []byte) (string, Reason) {
	if len(b) == 0 || !utf8.Valid(b) || !gjson.ValidBytes(b) {
		return "", ReasonNotParsed
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return "", ReasonNotParsed
	}

	var (
		model gjson.Result
		found bool
	)
	root.ForEach(func(key, value gjson.Result) bool {
		if key.Str == modelField {
			model, found = value, true
		}
		return true
	})
	switch {
	case !found:
		return "", ReasonMissing
	case model.Type != gjson.String || model.Str == "":
		return "", ReasonNotParsed
	}
	return model.Str, ReasonFound
}

// ExtractModel returns the model named in the body, or defaultModel. It never
// fails and never returns an empty string.
func ExtractModel(snap *body.Snapshot, defaultModel string) string {
	model, _ := ExtractModelWithReason(snap, defaultModel)
	return model
}

// ExtractModelWithReason is ExtractModel that also reports why the default
// was used, for metrics and logs.
func ExtractModelWithReason(snap *body.Snapshot, defaultModel string) (string, Reason) {
	if defaultModel == "" {
		defaultModel = DefaultModelName
	}
	if snap == nil {
		return defaultModel, ReasonMissing
	}
	model, reason := Lookup(snap.Bytes)
	if reason != ReasonFound {
		return defaultModel, reason
	}
	return model, reason
}
