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

package utils

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// BufconnTarget is the endpoint clients use together with BufconnDialer.
const BufconnTarget = "passthrough:///bufconn"

// SetupTestStreamingServer serves streamingServer on an in-memory listener
// until ctx is done.
func SetupTestStreamingServer(t *testing.T, ctx context.Context, streamingServer pb.ExternalProcessorServer) *bufconn.Listener {
	listener := bufconn.Listen(bufSize)
	errChan := make(chan error, 1)
	go func() {
		errChan <- LaunchTestGRPCServer(streamingServer, ctx, listener)
	}()
	t.Cleanup(func() {
		select {
		case err := <-errChan:
			if err != nil {
				t.Error("Error launching listener", err)
			}
		case <-time.After(5 * time.Second):
		}
	})
	return listener
}

// BufconnDialer routes every dial to listener.
func BufconnDialer(listener *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	})
}

func GetStreamingServerClient(ctx context.Context, t *testing.T, listener *bufconn.Listener) (pb.ExternalProcessor_ProcessClient, *grpc.ClientConn) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		BufconnDialer(listener),
	}
	conn, err := grpc.NewClient(BufconnTarget, opts...)
	if err != nil {
		t.Error(err)
		return nil, nil
	}

	extProcClient := pb.NewExternalProcessorClient(conn)
	process, err := extProcClient.Process(ctx)
	if err != nil {
		t.Error(err)
		return nil, nil
	}

	return process, conn
}

// StartTestExtProcServer serves s on a loopback TCP port, over TLS when cert
// is non-nil, and returns its host:port. The server stops with the test.
func StartTestExtProcServer(t *testing.T, s pb.ExternalProcessorServer, cert *tls.Certificate) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	var opts []grpc.ServerOption
	if cert != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{*cert}})))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = LaunchTestGRPCServer(s, ctx, listener, opts...)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return listener.Addr().String()
}

// UnusedAddress returns a loopback address nothing listens on.
func UnusedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

// LaunchTestGRPCServer actually starts the server (enables testing)
func LaunchTestGRPCServer(s pb.ExternalProcessorServer, ctx context.Context, listener net.Listener, opts ...grpc.ServerOption) error {
	grpcServer := grpc.NewServer(opts...)

	pb.RegisterExternalProcessorServer(grpcServer, s)

	// Terminate the server on context closed.
	go func() {
		<-ctx.Done()
		grpcServer.Stop()
	}()

	if err := grpcServer.Serve(listener); err != nil && err != grpc.ErrServerStopped {
		return err
	}

	return nil
}

// FakeExtProc is a scriptable external processor. It reads the first frame
// of each stream, waits Delay, then sends whatever Respond returns.
type FakeExtProc struct {
	Respond func(*pb.ProcessingRequest) []*pb.ProcessingResponse
	Delay   time.Duration

	mu       sync.Mutex
	requests []*pb.ProcessingRequest
}

func (f *FakeExtProc) Process(srv pb.ExternalProcessor_ProcessServer) error {
	req, err := srv.Recv()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-srv.Context().Done():
			return srv.Context().Err()
		}
	}
	if f.Respond == nil {
		return nil
	}
	for _, resp := range f.Respond(req) {
		if err := srv.Send(resp); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns the first frame of every stream seen so far.
func (f *FakeExtProc) Requests() []*pb.ProcessingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pb.ProcessingRequest(nil), f.requests...)
}

// UpstreamResponse is a request-headers response that sets header to value.
func UpstreamResponse(header, value string) *pb.ProcessingResponse {
	return &pb.ProcessingResponse{
		Response: &pb.ProcessingResponse_RequestHeaders{
			RequestHeaders: &pb.HeadersResponse{
				Response: &pb.CommonResponse{
					ClearRouteCache: true,
					HeaderMutation: &pb.HeaderMutation{
						SetHeaders: []*corev3.HeaderValueOption{
							{Header: &corev3.HeaderValue{Key: header, RawValue: []byte(value)}},
						},
					},
				},
			},
		},
	}
}

func CheckEnvoyGRPCHeaders(t *testing.T, response *pb.CommonResponse, expectedHeaders map[string]string) bool {
	headers := response.HeaderMutation.SetHeaders
	for expectedKey, expectedValue := range expectedHeaders {
		found := false
		for _, header := range headers {
			if header.Header.Key == expectedKey {
				if expectedValue != string(header.Header.RawValue) {
					t.Errorf("Incorrect value for header %s, want %s got %s", expectedKey, expectedValue,
						string(header.Header.RawValue))
					return false
				}
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Missing header %s", expectedKey)
			return false
		}
	}

	for _, header := range headers {
		if _, ok := expectedHeaders[header.Header.Key]; !ok {
			t.Errorf("Unexpected header %s", header.Header.Key)
			return false
		}
	}
	return true
}

func BuildEnvoyGRPCHeaders(headers map[string]string, rawValue bool) *pb.HttpHeaders {
	headerValues := make([]*corev3.HeaderValue, 0)
	for key, value := range headers {
		header := &corev3.HeaderValue{Key: key}
		if rawValue {
			header.RawValue = []byte(value)
		} else {
			header.Value = value
		}
		headerValues = append(headerValues, header)
	}
	return &pb.HttpHeaders{
		Headers: &corev3.HeaderMap{
			Headers: headerValues,
		},
	}
}
