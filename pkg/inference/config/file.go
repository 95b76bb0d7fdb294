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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

// Switch is a boolean that also accepts "on" and "off".
type Switch bool

func (s *Switch) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = Switch(b)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("switch must be a boolean or \"on\"/\"off\": %s", data)
	}
	b, err := ParseOnOff(str)
	if err != nil {
		return err
	}
	*s = Switch(b)
	return nil
}

// ByteSize accepts either a number of bytes or a human size such as "10MiB".
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("size must be a number or a string: %s", data)
	}
	n, err := units.RAMInBytes(str)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// String, Set and Type make ByteSize usable as a pflag.Value.
func (b *ByteSize) String() string {
	if *b < 0 {
		return "unlimited"
	}
	return units.BytesSize(float64(*b))
}

func (b *ByteSize) Set(s string) error {
	if s == "unlimited" || s == "-1" {
		*b = -1
		return nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) Type() string {
	return "size"
}

// Duration accepts a Go duration string such as "200ms" or a number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("duration must be a number of milliseconds or a string: %s", data)
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// BBRSpec is the optional, inheritable form of BBR.
type BBRSpec struct {
	Enabled          *Switch  `json:"enabled,omitempty"`
	HeaderName       string   `json:"headerName,omitempty"`
	MaxBodySize      ByteSize `json:"maxBodySize,omitempty"`
	DefaultModel     string   `json:"defaultModel,omitempty"`
	FailureModeAllow *Switch  `json:"failureModeAllow,omitempty"`
}

// EPPSpec is the optional, inheritable form of EPP.
type EPPSpec struct {
	Enabled          *Switch  `json:"enabled,omitempty"`
	Endpoint         string   `json:"endpoint,omitempty"`
	HeaderName       string   `json:"headerName,omitempty"`
	Timeout          Duration `json:"timeout,omitempty"`
	TLS              *Switch  `json:"tls,omitempty"`
	CAFile           string   `json:"caFile,omitempty"`
	FailureModeAllow *Switch  `json:"failureModeAllow,omitempty"`
}

// ScopeSpec is one scope as written in the configuration file. Unset fields
// inherit from the enclosing scope.
type ScopeSpec struct {
	BBR             *BBRSpec `json:"bbr,omitempty"`
	EPP             *EPPSpec `json:"epp,omitempty"`
	DefaultUpstream string   `json:"defaultUpstream,omitempty"`
	ProxyPass       string   `json:"proxyPass,omitempty"`
}

// LocationSpec is a scope bound to a request path prefix.
type LocationSpec struct {
	Path      string `json:"path"`
	ScopeSpec `json:",inline"`
}

// FileSpec is the top level of the configuration file.
type FileSpec struct {
	ScopeSpec `json:",inline"`
	Locations []LocationSpec `json:"locations,omitempty"`
}

// ReadFile parses a YAML configuration file.
func ReadFile(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	spec := &FileSpec{}
	if err := yaml.UnmarshalStrict(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return spec, nil
}

// Merge returns parent overlaid with every field child sets. Empty strings,
// zero sizes and durations, and absent switches inherit from parent.
func Merge(parent Settings, child ScopeSpec) Settings {
	out := parent
	if b := child.BBR; b != nil {
		out.BBR.Enabled = bool(ptr.Deref(b.Enabled, Switch(out.BBR.Enabled)))
		if b.HeaderName != "" {
			out.BBR.HeaderName = b.HeaderName
		}
		if b.MaxBodySize != 0 {
			out.BBR.MaxBodySize = int64(b.MaxBodySize)
		}
		if b.DefaultModel != "" {
			out.BBR.DefaultModel = b.DefaultModel
		}
		if b.FailureModeAllow != nil {
			out.BBR.FailureMode = FailureModeFromAllow(bool(*b.FailureModeAllow))
		}
	}
	if e := child.EPP; e != nil {
		out.EPP.Enabled = bool(ptr.Deref(e.Enabled, Switch(out.EPP.Enabled)))
		if e.Endpoint != "" {
			out.EPP.Endpoint = e.Endpoint
		}
		if e.HeaderName != "" {
			out.EPP.HeaderName = e.HeaderName
		}
		if e.Timeout != 0 {
			out.EPP.Timeout = time.Duration(e.Timeout)
		}
		out.EPP.TLS = bool(ptr.Deref(e.TLS, Switch(out.EPP.TLS)))
		if e.CAFile != "" {
			out.EPP.CAFile = e.CAFile
		}
		if e.FailureModeAllow != nil {
			out.EPP.FailureMode = FailureModeFromAllow(bool(*e.FailureModeAllow))
		}
	}
	if child.DefaultUpstream != "" {
		out.DefaultUpstream = child.DefaultUpstream
	}
	if child.ProxyPass != "" {
		out.ProxyPass = child.ProxyPass
	}
	// Compiled state is rebuilt for every scope.
	out.EPP.clientTLS = nil
	return out
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
