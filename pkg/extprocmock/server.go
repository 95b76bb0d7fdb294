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

// Package extprocmock is a scriptable Envoy external processor. In EPP mode
// it answers request headers with a fixed upstream; in BBR mode it reads the
// request body and answers with the model it names.
package extprocmock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	basepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"sigs.k8s.io/inference-proxy/pkg/common"
	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/bbr"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
)

// Mode selects what the mock answers.
type Mode string

const (
	ModeEPP Mode = "epp"
	ModeBBR Mode = "bbr"
)

// Options configures the mock.
type Options struct {
	Mode Mode
	// Upstream is returned in UpstreamHeader in EPP mode. Empty means no mutation.
	Upstream       string
	UpstreamHeader string
	// ModelHeader and DefaultModel are used in BBR mode.
	ModelHeader  string
	DefaultModel string
	// Streaming matches Envoy's full-duplex streamed body mode.
	Streaming bool
	// Delay holds every header response, for exercising client timeouts.
	Delay time.Duration
}

// DefaultOptions answers EPP requests without a configured upstream.
func DefaultOptions() Options {
	return Options{
		Mode:           ModeEPP,
		UpstreamHeader: config.DefaultEPPHeaderName,
		ModelHeader:    config.DefaultBBRHeaderName,
		DefaultModel:   bbr.DefaultModelName,
	}
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Server implements the Envoy external processing server.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/service/ext_proc/v3/external_processor.proto
type Server struct {
	opts Options
}

func (s *Server) Process(srv extProcPb.ExternalProcessor_ProcessServer) error {
	ctx := srv.Context()
	logger := log.FromContext(ctx)
	logger.V(logutil.VERBOSE).Info("Processing", "mode", s.opts.Mode)

	var body []byte
	for {
		req, recvErr := srv.Recv()
		if recvErr == io.EOF || errors.Is(recvErr, context.Canceled) || status.Code(recvErr) == codes.Canceled {
			return nil
		}
		if recvErr != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", recvErr)
		}

		var responses []*extProcPb.ProcessingResponse
		switch v := req.Request.(type) {
		case *extProcPb.ProcessingRequest_RequestHeaders:
			if requestID := extproc.ExtractHeaderValue(v, extproc.RequestIdHeaderKey); requestID != "" {
				logger = logger.WithValues(extproc.RequestIdHeaderKey, requestID)
				ctx = log.IntoContext(ctx, logger)
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			responses = s.HandleRequestHeaders(ctx, v.RequestHeaders)
		case *extProcPb.ProcessingRequest_RequestBody:
			logger.V(logutil.DEBUG).Info("Incoming body chunk", "size", len(v.RequestBody.Body), "EoS", v.RequestBody.EndOfStream)
			body = append(body, v.RequestBody.Body...)
			if s.opts.Streaming && !v.RequestBody.EndOfStream {
				continue
			}
			responses = s.HandleRequestBody(ctx, body)
			body = nil
		case *extProcPb.ProcessingRequest_RequestTrailers:
			responses = []*extProcPb.ProcessingResponse{{
				Response: &extProcPb.ProcessingResponse_RequestTrailers{RequestTrailers: &extProcPb.TrailersResponse{}},
			}}
		case *extProcPb.ProcessingRequest_ResponseHeaders:
			responses = []*extProcPb.ProcessingResponse{{
				Response: &extProcPb.ProcessingResponse_ResponseHeaders{ResponseHeaders: &extProcPb.HeadersResponse{}},
			}}
		case *extProcPb.ProcessingRequest_ResponseBody:
			responses = []*extProcPb.ProcessingResponse{{
				Response: &extProcPb.ProcessingResponse_ResponseBody{ResponseBody: &extProcPb.BodyResponse{}},
			}}
		default:
			logger.V(logutil.DEFAULT).Error(nil, "Unknown Request type", "request", v)
			return status.Error(codes.Unknown, "unknown request type")
		}

		for _, resp := range responses {
			if err := srv.Send(resp); err != nil {
				logger.V(logutil.DEFAULT).Error(err, "Send failed")
				return status.Errorf(codes.Unknown, "failed to send response back to Envoy: %v", err)
			}
		}
	}
}

func (s *Server) wait(ctx context.Context) error {
	if s.opts.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.opts.Delay):
		return nil
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

// HandleRequestHeaders answers the headers frame. In BBR mode a body is
// still to come unless the headers end the stream.
func (s *Server) HandleRequestHeaders(ctx context.Context, headers *extProcPb.HttpHeaders) []*extProcPb.ProcessingResponse {
	logger := log.FromContext(ctx)
	switch {
	case s.opts.Mode == ModeEPP && s.opts.Upstream != "":
		logger.V(logutil.VERBOSE).Info("Picked upstream", "upstream", s.opts.Upstream)
		return []*extProcPb.ProcessingResponse{headersResponse(s.opts.UpstreamHeader, s.opts.Upstream)}
	case s.opts.Mode == ModeBBR && s.opts.Streaming && !headers.GetEndOfStream():
		logger.V(logutil.VERBOSE).Info("Received headers, passing off header processing until body arrives...")
		return nil
	default:
		return []*extProcPb.ProcessingResponse{{
			Response: &extProcPb.ProcessingResponse_RequestHeaders{RequestHeaders: &extProcPb.HeadersResponse{}},
		}}
	}
}

// HandleRequestBody answers a complete body. In BBR mode the model header is
// set and, when streaming, the body is echoed back in chunks.
func (s *Server) HandleRequestBody(ctx context.Context, body []byte) []*extProcPb.ProcessingResponse {
	logger := log.FromContext(ctx)
	if s.opts.Mode != ModeBBR {
		return []*extProcPb.ProcessingResponse{{
			Response: &extProcPb.ProcessingResponse_RequestBody{RequestBody: &extProcPb.BodyResponse{}},
		}}
	}

	model, reason := bbr.Lookup(body)
	if reason != bbr.ReasonFound {
		logger.V(logutil.DEFAULT).Info("Request body has no usable model, using default", "reason", reason, "model", s.opts.DefaultModel)
		model = s.opts.DefaultModel
	} else {
		logger.V(logutil.VERBOSE).Info("Parsed model name", "model", model)
	}

	if !s.opts.Streaming {
		return []*extProcPb.ProcessingResponse{{
			Response: &extProcPb.ProcessingResponse_RequestBody{
				RequestBody: &extProcPb.BodyResponse{Response: setHeader(s.opts.ModelHeader, model)},
			},
		}}
	}
	responses := []*extProcPb.ProcessingResponse{headersResponse(s.opts.ModelHeader, model)}
	for _, chunk := range common.BuildChunkedBodyResponses(body, true) {
		responses = append(responses, &extProcPb.ProcessingResponse{
			Response: &extProcPb.ProcessingResponse_RequestBody{RequestBody: &extProcPb.BodyResponse{Response: chunk}},
		})
	}
	return responses
}

func headersResponse(header, value string) *extProcPb.ProcessingResponse {
	return &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extProcPb.HeadersResponse{Response: setHeader(header, value)},
		},
	}
}

func setHeader(header, value string) *extProcPb.CommonResponse {
	return &extProcPb.CommonResponse{
		// Necessary so that the new headers are used in the routing decision.
		ClearRouteCache: true,
		HeaderMutation: &extProcPb.HeaderMutation{
			SetHeaders: []*basepb.HeaderValueOption{{
				Header: &basepb.HeaderValue{Key: header, RawValue: []byte(value)},
			}},
		},
	}
}

// String describes the mock for startup logs.
func (o Options) String() string {
	if o.Mode == ModeBBR {
		return fmt.Sprintf("bbr(header=%s, default=%s, streaming=%t)", o.ModelHeader, o.DefaultModel, o.Streaming)
	}
	return fmt.Sprintf("epp(header=%s, upstream=%q)", o.UpstreamHeader, o.Upstream)
}
