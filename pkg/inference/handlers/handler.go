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

// Package handlers is the request pipeline entry point of the inference
// proxy. It runs body-based routing inline and dispatches the endpoint picker
// call through the bridge, then applies the failure mode policy.
package handlers

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
	"sigs.k8s.io/inference-proxy/pkg/inference/policy"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// Picker asks an endpoint picker for an upstream. extproc.Client implements it.
type Picker interface {
	PickEndpoint(ctx context.Context, call extproc.Call) (string, error)
}

// Handler runs the enabled features for each request. Process and Resume
// must be called from the reactor goroutine.
type Handler struct {
	resolver *config.Resolver
	bridge   *bridge.Bridge
	picker   Picker
}

// NewHandler returns a handler that reads per-path settings from resolver.
func NewHandler(resolver *config.Resolver, b *bridge.Bridge, picker Picker) *Handler {
	return &Handler{resolver: resolver, bridge: b, picker: picker}
}

// Settings returns the scope settings that apply to req.
func (h *Handler) Settings(req RequestView) *config.Settings {
	return h.resolver.For(req.Path())
}

// Process is the pipeline entry point. Features run in order, BBR first so
// the model header is visible to the endpoint picker.
func (h *Handler) Process(req RequestView, scope *bridge.Scope) Verdict {
	ctx := requestContext(req)
	cfg := h.Settings(req)

	if cfg.BBR.Enabled {
		if v := h.processBBR(ctx, req, cfg); v.Kind != Continue {
			return v
		}
	}
	if cfg.EPP.Enabled {
		return h.processEPP(ctx, req, scope, cfg)
	}
	return continueVerdict()
}

// Resume completes a request whose endpoint picker call resolved with d.
func (h *Handler) Resume(req RequestView, d types.Decision) Verdict {
	ctx := requestContext(req)
	cfg := h.Settings(req)
	req.State().eppDone = true
	return h.apply(ctx, req, policy.FeatureEPP, cfg.EPP.HeaderName, d, cfg.EPP.FailureMode, cfg.DefaultUpstream)
}

// apply resolves d under the failure mode and performs the resulting action.
func (h *Handler) apply(ctx context.Context, req RequestView, feature policy.Feature, header string, d types.Decision, mode config.FailureMode, fallback string) Verdict {
	logger := log.FromContext(ctx).WithValues("feature", feature)
	action := policy.Resolve(feature, d, mode, fallback)

	if !d.IsSuccess() {
		metrics.RecordFailureModeAction(string(feature), action.Kind.String())
		logger.V(logutil.DEFAULT).Info("Decision failed", "failure", d.Failure, "error", errString(d.Err), "mode", mode, "action", action)
	} else {
		logger.V(logutil.DEBUG).Info("Decision", "decision", d, "action", action)
	}

	switch action.Kind {
	case policy.SetHeader:
		req.SetHeader(header, action.Value)
	case policy.TerminateWithError:
		return terminate(action.Status)
	}
	return continueVerdict()
}

// hasHeader is the re-entry guard: a feature whose header is already set
// does not run again.
func hasHeader(req RequestView, name string) bool {
	v, ok := req.Header(name)
	return ok && v != ""
}

func requestContext(req RequestView) context.Context {
	ctx := req.Context()
	logger := log.FromContext(ctx)
	if id := req.ID(); id != "" {
		logger = logger.WithValues(extproc.RequestIdHeaderKey, id)
	}
	return log.IntoContext(ctx, logger)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
