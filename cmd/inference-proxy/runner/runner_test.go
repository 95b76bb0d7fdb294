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

package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestHealthServer(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	ready := false
	s := &healthServer{ready: func() bool { return ready }}

	resp, err := s.Check(ctx, &healthPb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthPb.HealthCheckResponse_NOT_SERVING, resp.Status)

	ready = true
	resp, err = s.Check(ctx, &healthPb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthPb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = s.Check(ctx, &healthPb.HealthCheckRequest{Service: "other"})
	require.NoError(t, err)
	assert.Equal(t, healthPb.HealthCheckResponse_SERVICE_UNKNOWN, resp.Status)

	list, err := s.List(ctx, &healthPb.HealthListRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthPb.HealthCheckResponse_SERVING, list.Statuses[ServiceName].Status)
}

func TestRunnerServesAndStops(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Model", r.Header.Get("X-Gateway-Model-Name"))
	}))
	defer backend.Close()

	port, metricsPort, healthPort := freePort(t), freePort(t), freePort(t)
	args := []string{
		"--port", strconv.Itoa(port),
		"--metrics-port", strconv.Itoa(metricsPort),
		"--grpc-health-port", strconv.Itoa(healthPort),
		"--tracing=false",
		"--bbr",
		"--proxy-pass", backend.URL,
		"--temp-dir", t.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewRunner().WithArgs(args).Run(ctx) }()

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", healthPort), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		resp, err := healthPb.NewHealthClient(conn).Check(ctx, &healthPb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == healthPb.HealthCheckResponse_SERVING
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/v1/completions", port), "application/json",
		strings.NewReader(`{"model":"gpt-4"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4", resp.Header.Get("X-Seen-Model"))

	metricsResp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort))
	require.NoError(t, err)
	metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerRejectsInvalidFlags(t *testing.T) {
	err := NewRunner().WithArgs([]string{"--pool-size", "0"}).Run(context.Background())
	assert.Error(t, err)
}
