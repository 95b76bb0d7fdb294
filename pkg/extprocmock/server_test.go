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

package extprocmock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlsutil "sigs.k8s.io/inference-proxy/internal/tls"
	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
	"sigs.k8s.io/inference-proxy/test/utils"
)

func stream(t *testing.T, opts Options) extProcPb.ExternalProcessor_ProcessClient {
	t.Helper()
	ctx, cancel := context.WithCancel(logutil.NewTestLoggerIntoContext(context.Background()))
	t.Cleanup(cancel)
	listener := utils.SetupTestStreamingServer(t, ctx, NewServer(opts))
	process, conn := utils.GetStreamingServerClient(ctx, t, listener)
	require.NotNil(t, process)
	t.Cleanup(func() { conn.Close() })
	return process
}

func headersRequest(eos bool) *extProcPb.ProcessingRequest {
	headers := utils.BuildEnvoyGRPCHeaders(map[string]string{":path": "/v1/completions", "x-request-id": "r1"}, true)
	headers.EndOfStream = eos
	return &extProcPb.ProcessingRequest{Request: &extProcPb.ProcessingRequest_RequestHeaders{RequestHeaders: headers}}
}

func bodyRequest(body string, eos bool) *extProcPb.ProcessingRequest {
	return &extProcPb.ProcessingRequest{Request: &extProcPb.ProcessingRequest_RequestBody{
		RequestBody: &extProcPb.HttpBody{Body: []byte(body), EndOfStream: eos},
	}}
}

func TestEPPModeSetsUpstream(t *testing.T) {
	opts := DefaultOptions()
	opts.Upstream = "10.0.0.5:8000"
	process := stream(t, opts)

	require.NoError(t, process.Send(headersRequest(true)))
	resp, err := process.Recv()
	require.NoError(t, err)
	utils.CheckEnvoyGRPCHeaders(t, resp.GetRequestHeaders().GetResponse(), map[string]string{
		config.DefaultEPPHeaderName: "10.0.0.5:8000",
	})
}

func TestEPPModeWithoutUpstream(t *testing.T) {
	process := stream(t, DefaultOptions())

	require.NoError(t, process.Send(headersRequest(true)))
	resp, err := process.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.GetRequestHeaders())
	assert.Nil(t, resp.GetRequestHeaders().GetResponse())
}

func TestBBRMode(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
		chunks    []string
		wantModel string
	}{
		{
			name:      "buffered body with model",
			chunks:    []string{`{"model":"gpt-4","prompt":"hi"}`},
			wantModel: "gpt-4",
		},
		{
			name:      "buffered body without model",
			chunks:    []string{`{"prompt":"hi"}`},
			wantModel: "unknown",
		},
		{
			name:      "streamed body across chunks",
			streaming: true,
			chunks:    []string{`{"mod`, `el":"llama-3",`, `"prompt":"hi"}`},
			wantModel: "llama-3",
		},
		{
			name:      "streamed body that is not json",
			streaming: true,
			chunks:    []string{`model=gpt-4`},
			wantModel: "unknown",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Mode = ModeBBR
			opts.Streaming = test.streaming
			process := stream(t, opts)

			require.NoError(t, process.Send(headersRequest(false)))
			if !test.streaming {
				resp, err := process.Recv()
				require.NoError(t, err)
				require.NotNil(t, resp.GetRequestHeaders())
			}
			for i, chunk := range test.chunks {
				require.NoError(t, process.Send(bodyRequest(chunk, i == len(test.chunks)-1)))
			}

			resp, err := process.Recv()
			require.NoError(t, err)
			var common *extProcPb.CommonResponse
			if test.streaming {
				common = resp.GetRequestHeaders().GetResponse()
			} else {
				common = resp.GetRequestBody().GetResponse()
			}
			require.NotNil(t, common)
			utils.CheckEnvoyGRPCHeaders(t, common, map[string]string{config.DefaultBBRHeaderName: test.wantModel})

			if test.streaming {
				echo, err := process.Recv()
				require.NoError(t, err)
				streamed := echo.GetRequestBody().GetResponse().GetBodyMutation().GetStreamedResponse()
				assert.True(t, streamed.GetEndOfStream())
				var want string
				for _, c := range test.chunks {
					want += c
				}
				assert.Equal(t, want, string(streamed.GetBody()))
			}
		})
	}
}

func TestMockAnswersClient(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	opts := DefaultOptions()
	opts.Upstream = "10.0.0.7:8000"
	addr := utils.StartTestExtProcServer(t, NewServer(opts), nil)

	got, err := extproc.NewClient().PickEndpoint(ctx, extproc.Call{
		Endpoint:   "http://" + addr,
		HeaderName: config.DefaultEPPHeaderName,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:8000", got)
}

func TestMockDelayTimesOutClient(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	opts := DefaultOptions()
	opts.Upstream = "10.0.0.7:8000"
	opts.Delay = 2 * time.Second
	addr := utils.StartTestExtProcServer(t, NewServer(opts), nil)

	_, err := extproc.NewClient().PickEndpoint(ctx, extproc.Call{
		Endpoint:   "http://" + addr,
		HeaderName: config.DefaultEPPHeaderName,
		Timeout:    100 * time.Millisecond,
	})
	assert.Equal(t, types.FailureTimeout, types.KindOf(err))
}

func TestRunnerServesTLSFromCertPath(t *testing.T) {
	ctx, cancel := context.WithCancel(logutil.NewTestLoggerIntoContext(context.Background()))
	certDir := t.TempDir()
	require.NoError(t, tlsutil.WriteSelfSignedKeyPair(certDir, "127.0.0.1"))

	runner := NewDefaultExtProcServerRunner(0)
	runner.SecureServing = true
	runner.CertPath = certDir
	runner.Options.Upstream = "10.0.0.8:8000"
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.AsRunnable(logutil.NewTestLogger(), lis).Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	caPEM, err := os.ReadFile(filepath.Join(certDir, tlsutil.CertFile))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	got, err := extproc.NewClient().PickEndpoint(ctx, extproc.Call{
		Endpoint:   "https://" + lis.Addr().String(),
		HeaderName: config.DefaultEPPHeaderName,
		Timeout:    5 * time.Second,
		TLS:        &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.8:8000", got)
}

func TestOptionsString(t *testing.T) {
	opts := DefaultOptions()
	opts.Upstream = "10.0.0.5:8000"
	assert.Contains(t, opts.String(), "10.0.0.5:8000")
	opts.Mode = ModeBBR
	assert.Contains(t, opts.String(), "bbr")
}
