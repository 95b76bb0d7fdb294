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

// Package config holds the per-scope settings of the inference proxy and the
// rules for inheriting them from parent scopes.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const (
	DefaultBBRHeaderName  = "X-Gateway-Model-Name"
	DefaultMaxBodySize    = 10 * units.MiB
	DefaultModel          = "unknown"
	DefaultEPPHeaderName  = "X-Inference-Upstream"
	DefaultEPPTimeout     = 200 * time.Millisecond
	defaultEndpointScheme = "http://"
)

// FailureMode selects what happens when a feature cannot produce a decision.
type FailureMode int

const (
	// Deny terminates the request with an error status (fail-closed).
	Deny FailureMode = iota
	// Allow continues the request with a fallback or without the header (fail-open).
	Allow
)

func (m FailureMode) String() string {
	if m == Allow {
		return "Allow"
	}
	return "Deny"
}

// FailureModeFromAllow maps a failure_mode_allow switch onto a FailureMode.
func FailureModeFromAllow(allow bool) FailureMode {
	if allow {
		return Allow
	}
	return Deny
}

// BBR configures body-based routing.
type BBR struct {
	Enabled      bool
	HeaderName   string
	MaxBodySize  int64
	DefaultModel string
	FailureMode  FailureMode
}

// EPP configures the endpoint picker call.
type EPP struct {
	Enabled bool
	// Endpoint always carries a scheme once the settings are compiled.
	Endpoint   string
	HeaderName string
	Timeout    time.Duration
	// TLS is the configured switch. An https Endpoint uses TLS regardless;
	// ClientTLS reports the compiled outcome.
	TLS         bool
	CAFile      string
	FailureMode FailureMode

	clientTLS *tls.Config
}

// ClientTLS returns a copy of the compiled client TLS configuration, or nil
// for plaintext. Each caller gets its own copy.
func (e *EPP) ClientTLS() *tls.Config {
	if e.clientTLS == nil {
		return nil
	}
	return e.clientTLS.Clone()
}

// Settings is the immutable configuration of one serving scope.
type Settings struct {
	BBR BBR
	EPP EPP
	// DefaultUpstream is injected as the EPP header when the picker fails open.
	DefaultUpstream string
	// ProxyPass is the static upstream used when no routing header is present.
	ProxyPass string
}

// Defaults returns the settings of a scope nothing was configured for.
func Defaults() Settings {
	return Settings{
		BBR: BBR{
			HeaderName:   DefaultBBRHeaderName,
			MaxBodySize:  DefaultMaxBodySize,
			DefaultModel: DefaultModel,
			FailureMode:  Deny,
		},
		EPP: EPP{
			HeaderName:  DefaultEPPHeaderName,
			Timeout:     DefaultEPPTimeout,
			FailureMode: Deny,
		},
	}
}

// ParseOnOff parses an on/off directive value, case-insensitively.
func ParseOnOff(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q, it must be \"on\" or \"off\"", s)
}

// NormalizeEndpoint prefixes endpoints that carry no scheme with http://.
func NormalizeEndpoint(endpoint string) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return defaultEndpointScheme + endpoint
}
