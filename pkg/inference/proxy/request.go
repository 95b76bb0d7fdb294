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

package proxy

import (
	"context"
	"net/http"

	"sigs.k8s.io/inference-proxy/pkg/inference/body"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/handlers"
)

// httpRequest adapts an *http.Request and its spooled body to the handlers'
// RequestView. After Submit it is only touched by the reactor until the
// verdict comes back.
type httpRequest struct {
	r     *http.Request
	id    string
	spool *body.Spool
	state handlers.State
}

var _ handlers.RequestView = &httpRequest{}

func newHTTPRequest(r *http.Request, id string, spool *body.Spool) *httpRequest {
	return &httpRequest{r: r, id: id, spool: spool}
}

func (h *httpRequest) BodySegments() ([]body.Segment, bool) {
	if h.spool == nil {
		return nil, false
	}
	return h.spool.BodySegments()
}

func (h *httpRequest) ContentLength() int64 {
	return h.r.ContentLength
}

func (h *httpRequest) Context() context.Context { return h.r.Context() }
func (h *httpRequest) ID() string               { return h.id }
func (h *httpRequest) Method() string           { return h.r.Method }
func (h *httpRequest) Host() string             { return h.r.Host }
func (h *httpRequest) Path() string             { return h.r.URL.Path }
func (h *httpRequest) URI() string              { return h.r.URL.RequestURI() }
func (h *httpRequest) State() *handlers.State   { return &h.state }

// Status is always 0: net/http commits no status before the pipeline runs,
// since every early error is answered without submitting. The skip it feeds
// in the pipeline serves hosts that re-run it after an internal error
// redirect.
func (h *httpRequest) Status() int { return 0 }

func (h *httpRequest) Scheme() string {
	if h.r.TLS != nil {
		return "https"
	}
	return "http"
}

func (h *httpRequest) Header(name string) (string, bool) {
	values := h.r.Header.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (h *httpRequest) SetHeader(name, value string) {
	h.r.Header.Set(name, value)
}

func (h *httpRequest) Headers() []extproc.Header {
	headers := make([]extproc.Header, 0, len(h.r.Header))
	for key, values := range h.r.Header {
		for _, v := range values {
			headers = append(headers, extproc.Header{Key: key, Value: v})
		}
	}
	return headers
}
