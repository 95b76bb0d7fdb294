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

// Package proxy is a reverse proxy host for the inference handlers. Each
// request body is spooled, the request is run through the reactor, and on
// Continue it is forwarded to the upstream selected by the routing header.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/body"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/handlers"
)

const (
	DefaultBodyBufferSize    = 16 * units.KiB
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Submitter runs a request through the pipeline. reactor.Reactor implements it.
type Submitter interface {
	Submit(ctx context.Context, req handlers.RequestView, scope *bridge.Scope) (handlers.Verdict, error)
	CloseScope(scope *bridge.Scope)
}

// Options configures the host side of request handling.
type Options struct {
	// BodyBufferSize is how much of a body is kept in memory before spooling to disk.
	BodyBufferSize int
	// ClientMaxBodySize rejects larger bodies with 413 before any processing.
	// A negative value means unlimited.
	ClientMaxBodySize int64
	// TempDir holds spooled bodies. Empty means the system temp dir.
	TempDir string
	// Transport is used for upstream requests. Nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// Server is an http.Handler that owns one bridge.Scope per connection.
type Server struct {
	submitter Submitter
	resolver  *config.Resolver
	opts      Options
	logger    logr.Logger
	upstream  *httputil.ReverseProxy

	mu     sync.Mutex
	scopes map[net.Conn]*bridge.Scope
}

type scopeKey struct{}
type targetKey struct{}

// NewServer returns a proxy host.
func NewServer(submitter Submitter, resolver *config.Resolver, opts Options, logger logr.Logger) *Server {
	if opts.BodyBufferSize <= 0 {
		opts.BodyBufferSize = DefaultBodyBufferSize
	}
	s := &Server{
		submitter: submitter,
		resolver:  resolver,
		opts:      opts,
		logger:    logger.WithName("proxy"),
		scopes:    map[net.Conn]*bridge.Scope{},
	}
	s.upstream = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(pr.In.Context().Value(targetKey{}).(*url.URL))
			pr.SetXForwarded()
		},
		Transport:    opts.Transport,
		ErrorHandler: s.upstreamError,
	}
	return s
}

// HTTPServer returns an http.Server serving s that opens a scope for every
// accepted connection and closes it with the connection.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Handler:           s,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return log.IntoContext(context.Background(), s.logger)
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			scope := bridge.NewScope(uuid.NewString())
			s.mu.Lock()
			s.scopes[c] = scope
			s.mu.Unlock()
			return context.WithValue(ctx, scopeKey{}, scope)
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state != http.StateClosed && state != http.StateHijacked {
				return
			}
			s.mu.Lock()
			scope, ok := s.scopes[c]
			delete(s.scopes, c)
			s.mu.Unlock()
			if ok {
				s.submitter.CloseScope(scope)
			}
		},
	}
}

// OpenConnections returns the number of connections with a live scope.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope, ok := r.Context().Value(scopeKey{}).(*bridge.Scope)
	if !ok {
		// Served outside HTTPServer: the request is its own connection.
		scope = bridge.NewScope(uuid.NewString())
		defer s.submitter.CloseScope(scope)
	}

	id := uuid.NewString()
	if r.Header.Get(extproc.RequestIdHeaderKey) == "" {
		r.Header.Set(extproc.RequestIdHeaderKey, id)
	}
	logger := s.logger.WithValues("requestID", r.Header.Get(extproc.RequestIdHeaderKey))

	spool := body.NewSpool(s.opts.TempDir, s.opts.BodyBufferSize)
	defer spool.Close()
	if r.Body != nil {
		if _, err := spool.Fill(r.Body, s.opts.ClientMaxBodySize); err != nil {
			if errors.Is(err, body.ErrSpoolLimit) {
				logger.V(logutil.DEFAULT).Info("Request body exceeds client limit", "limit", units.BytesSize(float64(s.opts.ClientMaxBodySize)))
				writeStatus(w, http.StatusRequestEntityTooLarge)
				return
			}
			logger.V(logutil.DEFAULT).Error(err, "Failed to read request body")
			writeStatus(w, http.StatusBadRequest)
			return
		}
	}

	req := newHTTPRequest(r, id, spool)
	// The reactor may hold req after the client goes away, so the spool must
	// stay open until it answers. It checks r.Context() itself.
	v, err := s.submitter.Submit(context.WithoutCancel(r.Context()), req, scope)
	if err != nil {
		logger.V(logutil.DEFAULT).Error(err, "Request was not processed")
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}
	logger.V(logutil.TRACE).Info("Request processed", "verdict", v)
	if v.Kind == handlers.Terminate {
		writeStatus(w, v.Status)
		return
	}

	settings := s.resolver.For(req.Path())
	target, err := upstreamTarget(req, settings)
	if err != nil {
		logger.V(logutil.DEFAULT).Info("No upstream for request", "reason", err.Error())
		writeStatus(w, http.StatusBadGateway)
		return
	}

	out := r.Clone(context.WithValue(r.Context(), targetKey{}, target))
	out.Body = io.NopCloser(spool.Reader())
	out.ContentLength = spool.Len()
	out.GetBody = nil
	logger.V(logutil.VERBOSE).Info("Forwarding request", "upstream", target.String())
	s.upstream.ServeHTTP(w, out)
}

// UpstreamVariable is the $inference_upstream routing variable: the current
// value of the scope's EPP header, or not found when it is empty.
func UpstreamVariable(req handlers.RequestView, settings *config.Settings) (string, bool) {
	v, ok := req.Header(settings.EPP.HeaderName)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func upstreamTarget(req handlers.RequestView, settings *config.Settings) (*url.URL, error) {
	if v, ok := UpstreamVariable(req, settings); ok {
		target, err := url.Parse("http://" + v)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q in %s", v, settings.EPP.HeaderName)
		}
		return target, nil
	}
	if settings.ProxyPass != "" {
		return url.Parse(settings.ProxyPass)
	}
	return nil, errors.New("no routing header and no proxy pass configured")
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.V(logutil.DEFAULT).Error(err, "Upstream request failed", "upstream", r.URL.Host)
	writeStatus(w, http.StatusBadGateway)
}

func writeStatus(w http.ResponseWriter, status int) {
	text := http.StatusText(status)
	if text == "" {
		text = fmt.Sprintf("status %d", status)
	}
	http.Error(w, text, status)
}
