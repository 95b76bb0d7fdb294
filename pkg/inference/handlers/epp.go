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

package handlers

import (
	"context"
	"net/http"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
	"sigs.k8s.io/inference-proxy/pkg/inference/policy"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// processEPP dispatches the endpoint picker call and suspends the request.
func (h *Handler) processEPP(ctx context.Context, req RequestView, scope *bridge.Scope, cfg *config.Settings) Verdict {
	logger := log.FromContext(ctx).WithValues("feature", policy.FeatureEPP)
	state := req.State()

	switch {
	case state.eppDone:
		return continueVerdict()
	case hasHeader(req, cfg.EPP.HeaderName):
		logger.V(logutil.DEBUG).Info("Upstream header already set, skipping endpoint picker", "header", cfg.EPP.HeaderName)
		state.eppDone = true
		return continueVerdict()
	case req.Status() >= http.StatusMultipleChoices:
		logger.V(logutil.DEBUG).Info("Request already has an error status, skipping endpoint picker", "status", req.Status())
		state.eppDone = true
		return continueVerdict()
	case cfg.EPP.Endpoint == "":
		logger.V(logutil.DEFAULT).Info("Endpoint picker enabled without an endpoint, skipping")
		state.eppDone = true
		return continueVerdict()
	}
	if op, ok := scope.Pending(req.ID()); ok {
		return suspend(op)
	}

	call := extproc.Call{
		Endpoint:   cfg.EPP.Endpoint,
		HeaderName: cfg.EPP.HeaderName,
		Headers:    copyHeaders(req),
		Timeout:    cfg.EPP.Timeout,
		TLS:        cfg.EPP.ClientTLS(),
	}
	picker := h.picker
	op, err := h.bridge.Dispatch(ctx, scope, req.ID(), cfg.EPP.Timeout, func(ctx context.Context) types.Decision {
		start := time.Now()
		upstream, err := picker.PickEndpoint(ctx, call)
		if err != nil {
			d := types.Failed(err)
			metrics.RecordEPPRequest(d.Failure.String(), time.Since(start))
			return d
		}
		metrics.RecordEPPRequest("success", time.Since(start))
		return types.UpstreamEndpoint(upstream)
	})
	if err != nil {
		logger.Error(err, "Failed to dispatch endpoint picker call")
		state.eppDone = true
		return h.apply(ctx, req, policy.FeatureEPP, cfg.EPP.HeaderName, types.Failed(err), cfg.EPP.FailureMode, cfg.DefaultUpstream)
	}
	logger.V(logutil.VERBOSE).Info("Suspended request for endpoint picker", "operation", op.ID, "endpoint", cfg.EPP.Endpoint)
	return suspend(op)
}

// copyHeaders snapshots the request headers, with the pseudo headers Envoy
// sends, so the work unit never touches the request.
func copyHeaders(req RequestView) []extproc.Header {
	headers := []extproc.Header{
		{Key: ":method", Value: req.Method()},
		{Key: ":path", Value: req.URI()},
		{Key: ":authority", Value: req.Host()},
		{Key: ":scheme", Value: req.Scheme()},
	}
	return append(headers, req.Headers()...)
}
