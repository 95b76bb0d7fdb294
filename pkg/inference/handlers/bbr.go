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
	"errors"

	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/bbr"
	"sigs.k8s.io/inference-proxy/pkg/inference/body"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
	"sigs.k8s.io/inference-proxy/pkg/inference/policy"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// processBBR extracts the model from the body on the reactor goroutine.
func (h *Handler) processBBR(ctx context.Context, req RequestView, cfg *config.Settings) Verdict {
	logger := log.FromContext(ctx).WithValues("feature", policy.FeatureBBR)
	state := req.State()
	if state.bbrDone {
		return continueVerdict()
	}
	if hasHeader(req, cfg.BBR.HeaderName) {
		logger.V(logutil.DEBUG).Info("Model header already set, skipping body parsing", "header", cfg.BBR.HeaderName)
		state.bbrDone = true
		return continueVerdict()
	}
	state.bbrDone = true

	var d types.Decision
	snap, err := body.Acquire(ctx, req, cfg.BBR.MaxBodySize)
	switch {
	case errors.Is(err, types.ErrNoBackingFound):
		logger.V(logutil.DEFAULT).Info("No request body backing found, using the default model", "defaultModel", cfg.BBR.DefaultModel)
		metrics.RecordModelNotInBody()
		d = types.ModelName(bbr.ExtractModel(nil, cfg.BBR.DefaultModel))
	case errors.Is(err, types.ErrBodyTooLarge):
		metrics.RecordBodyTooLarge()
		d = types.Failed(err)
	case err != nil:
		logger.Error(err, "Failed to read request body")
		d = types.Failed(err)
	case len(snap.Bytes) == 0:
		logger.V(logutil.VERBOSE).Info("Empty request body, skipping model extraction")
		return continueVerdict()
	default:
		model, reason := bbr.ExtractModelWithReason(snap, cfg.BBR.DefaultModel)
		switch reason {
		case bbr.ReasonFound:
			metrics.RecordBBRSuccess()
		case bbr.ReasonMissing:
			metrics.RecordModelNotInBody()
		default:
			metrics.RecordModelNotParsed()
		}
		logger.V(logutil.VERBOSE).Info("Extracted model", "model", model, "reason", reason, "source", snap.Source, "truncated", snap.Truncated)
		d = types.ModelName(model)
	}
	return h.apply(ctx, req, policy.FeatureBBR, cfg.BBR.HeaderName, d, cfg.BBR.FailureMode, "")
}
