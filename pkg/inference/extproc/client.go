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

// Package extproc is a client for the Envoy external processing protocol,
// used to ask an endpoint picker which upstream should serve a request.
package extproc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	filterPb "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// State is a step of one endpoint picker exchange.
type State int

const (
	StateIdle State = iota
	StateStreamOpened
	StateHeadersSent
	StateAwaitingResponse
	StateResolved
	StateTimedOut
	StateTransportError
)

var stateNames = [...]string{"Idle", "StreamOpened", "HeadersSent", "AwaitingResponse", "Resolved", "TimedOut", "TransportError"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateResolved
}

// Call is everything a pick needs. It is copied into the work unit and must
// not reference host request state.
type Call struct {
	// Endpoint is an http:// or https:// URL, or a bare host:port.
	Endpoint   string
	HeaderName string
	Headers    []Header
	Timeout    time.Duration
	// TLS selects a TLS transport when non-nil.
	TLS *tls.Config
}

// Error records the kind of failure and the state the exchange ended in.
type Error struct {
	Kind  error
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (state %s)", e.Kind, e.State)
	}
	return fmt.Sprintf("%v (state %s): %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Client runs endpoint picker exchanges. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	dialOptions []grpc.DialOption
	tracer      trace.Tracer
	// observer, when set, sees every state transition.
	observer func(State)
}

// NewClient returns a client that adds opts to every dial.
func NewClient(opts ...grpc.DialOption) *Client {
	return &Client{
		dialOptions: opts,
		tracer:      otel.Tracer("sigs.k8s.io/inference-proxy/extproc"),
	}
}

// exchange is the state of one call.
type exchange struct {
	call     Call
	state    State
	logger   logr.Logger
	observer func(State)
}

func (x *exchange) transition(to State) {
	x.logger.V(logutil.TRACE).Info("ext_proc state transition", "from", x.state, "to", to)
	x.state = to
	if x.observer != nil {
		x.observer(to)
	}
}

// fail moves to the terminal state matching kind and builds the error.
func (x *exchange) fail(kind error, err error) error {
	if errors.Is(kind, types.ErrTimeout) {
		x.transition(StateTimedOut)
	} else {
		x.transition(StateTransportError)
	}
	return &Error{Kind: kind, State: x.state, Err: err}
}

// failRPC classifies a gRPC error as a timeout or a transport failure.
func (x *exchange) failRPC(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || status.Code(err) == grpccodes.DeadlineExceeded {
		return x.fail(types.ErrTimeout, err)
	}
	return x.fail(types.ErrConnectFailed, err)
}

// PickEndpoint sends the request headers to the endpoint picker and returns
// the value it set for call.HeaderName. Exactly one attempt is made, bounded
// by call.Timeout.
func (c *Client) PickEndpoint(ctx context.Context, call Call) (endpoint string, err error) {
	x := &exchange{
		call:     call,
		logger:   log.FromContext(ctx).WithValues("endpoint", call.Endpoint),
		observer: c.observer,
	}

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "inference_proxy.epp.pick_endpoint", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("epp.endpoint", call.Endpoint), attribute.String("epp.header", call.HeaderName)))
	defer func() {
		span.SetAttributes(attribute.String("epp.final_state", x.state.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("epp.upstream", endpoint))
		}
		span.End()
	}()

	target, useTLS, err := dialTarget(call.Endpoint)
	if err != nil {
		return "", x.fail(types.ErrConnectFailed, err)
	}
	var creds credentials.TransportCredentials
	switch {
	case call.TLS != nil:
		creds = credentials.NewTLS(call.TLS)
	case useTLS:
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	default:
		creds = insecure.NewCredentials()
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, c.dialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return "", x.fail(types.ErrConnectFailed, err)
	}
	defer conn.Close()

	// Cancelling the stream context releases the stream once a decision is read.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	stream, err := extProcPb.NewExternalProcessorClient(conn).Process(streamCtx)
	if err != nil {
		return "", x.failRPC(ctx, err)
	}
	x.transition(StateStreamOpened)

	headers := withTraceContext(ctx, call.Headers)
	frame := &extProcPb.ProcessingRequest{
		Request: &extProcPb.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extProcPb.HttpHeaders{
				Headers:     BuildHeaderMap(headers),
				EndOfStream: true,
			},
		},
		// Declares the headers-only exchange: no body follows in either direction.
		ProtocolConfig: &extProcPb.ProtocolConfiguration{
			RequestBodyMode:  filterPb.ProcessingMode_NONE,
			ResponseBodyMode: filterPb.ProcessingMode_NONE,
		},
	}
	if err := stream.Send(frame); err != nil {
		// The real cause of a failed Send surfaces on Recv.
		if errors.Is(err, io.EOF) {
			_, err = stream.Recv()
		}
		return "", x.failRPC(ctx, err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", x.failRPC(ctx, err)
	}
	x.transition(StateHeadersSent)

	x.transition(StateAwaitingResponse)
	malformed := 0
	for frames := 0; ; frames++ {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if malformed > 0 {
				return "", x.fail(types.ErrMalformedResponse, fmt.Errorf("%d of %d frames carried no response", malformed, frames))
			}
			return "", x.fail(types.ErrMissingHeaderMutation, fmt.Errorf("header %q not set in %d frames", call.HeaderName, frames))
		}
		if err != nil {
			return "", x.failRPC(ctx, err)
		}
		value, found, wellFormed := FindHeaderMutation(resp, call.HeaderName)
		if !wellFormed {
			malformed++
			x.logger.V(logutil.DEBUG).Info("Ignoring ext_proc frame without a response", "frame", frames)
			continue
		}
		if found {
			x.transition(StateResolved)
			return value, nil
		}
	}
}

// dialTarget strips the URL scheme the configuration layer adds, since gRPC
// targets are bare host:port. https implies TLS.
func dialTarget(endpoint string) (target string, useTLS bool, err error) {
	if endpoint == "" {
		return "", false, errors.New("no endpoint configured")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// Bare host:port.
		return endpoint, false, nil
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// withTraceContext appends the propagated trace headers to a copy of headers.
func withTraceContext(ctx context.Context, headers []Header) []Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return headers
	}
	out := make([]Header, 0, len(headers)+len(carrier))
	out = append(out, headers...)
	for _, k := range carrier.Keys() {
		out = append(out, Header{Key: k, Value: carrier.Get(k)})
	}
	return out
}
