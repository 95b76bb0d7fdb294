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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"go.uber.org/multierr"

	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// Compile validates s and prepares derived state such as the endpoint
// picker's trust pool. Every problem is reported, joined into one error of
// *types.ConfigError values.
func Compile(scope string, s *Settings) error {
	var errs error
	fail := func(field, format string, args ...any) {
		errs = multierr.Append(errs, &types.ConfigError{Scope: scope, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if s.BBR.Enabled {
		if err := validateHeaderName(s.BBR.HeaderName); err != nil {
			fail("bbr.headerName", "%v", err)
		}
		if s.BBR.MaxBodySize <= 0 {
			fail("bbr.maxBodySize", "must be positive, got %d", s.BBR.MaxBodySize)
		}
		if s.BBR.DefaultModel == "" {
			fail("bbr.defaultModel", "must not be empty")
		}
	}

	// TLS keeps the configured value so that scopes inheriting it do not
	// inherit a scheme they overrode; an https endpoint only turns TLS on
	// for the scope that names it.
	useTLS := s.EPP.TLS
	s.EPP.Endpoint = NormalizeEndpoint(s.EPP.Endpoint)
	if s.EPP.Endpoint != "" {
		u, err := url.Parse(s.EPP.Endpoint)
		switch {
		case err != nil:
			fail("epp.endpoint", "%v", err)
		case u.Scheme != "http" && u.Scheme != "https":
			fail("epp.endpoint", "unsupported scheme %q", u.Scheme)
		case u.Host == "":
			fail("epp.endpoint", "missing host in %q", s.EPP.Endpoint)
		case u.Scheme == "https":
			useTLS = true
		}
	}
	if s.EPP.Enabled {
		if err := validateHeaderName(s.EPP.HeaderName); err != nil {
			fail("epp.headerName", "%v", err)
		}
		if s.EPP.Timeout <= 0 {
			fail("epp.timeout", "must be positive, got %s", s.EPP.Timeout)
		}
	}
	if s.EPP.CAFile != "" && !useTLS {
		fail("epp.caFile", "requires epp.tls to be on")
	}
	if s.DefaultUpstream != "" {
		if _, _, err := net.SplitHostPort(s.DefaultUpstream); err != nil {
			fail("defaultUpstream", "must be host:port: %v", err)
		}
	}
	if s.ProxyPass != "" {
		if u, err := url.Parse(s.ProxyPass); err != nil || u.Host == "" {
			fail("proxyPass", "must be an absolute URL, got %q", s.ProxyPass)
		}
	}

	s.EPP.clientTLS = nil
	if useTLS {
		cfg, err := clientTLSConfig(s.EPP.CAFile)
		if err != nil {
			fail("epp.caFile", "%v", err)
		}
		s.EPP.clientTLS = cfg
	}
	return errs
}

func clientTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func validateHeaderName(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(name, " \t\r\n:") {
		return fmt.Errorf("%q is not a valid header name", name)
	}
	return nil
}
