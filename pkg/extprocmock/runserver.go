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
	"fmt"
	"net"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"sigs.k8s.io/inference-proxy/internal/runnable"
	tlsutil "sigs.k8s.io/inference-proxy/internal/tls"
	"sigs.k8s.io/inference-proxy/pkg/common"
)

const (
	DefaultGrpcPort       = 9002
	DefaultGrpcHealthPort = 9003
)

// ExtProcServerRunner provides methods to manage the mock ext-proc server.
type ExtProcServerRunner struct {
	GrpcPort      int
	SecureServing bool
	// CertPath is a directory holding tls.crt and tls.key. It is watched for
	// rotation. Empty means a self-signed certificate.
	CertPath string
	Options  Options
}

func NewDefaultExtProcServerRunner(port int) *ExtProcServerRunner {
	return &ExtProcServerRunner{
		GrpcPort: port,
		Options:  DefaultOptions(),
	}
}

// Listen opens the runner's port.
func (r *ExtProcServerRunner) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.GrpcPort))
	if err != nil {
		return nil, fmt.Errorf("gRPC server failed to listen - %w", err)
	}
	return lis, nil
}

// AsRunnable returns a Runnable that serves the mock on lis.
func (r *ExtProcServerRunner) AsRunnable(logger logr.Logger, lis net.Listener) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		var opts []grpc.ServerOption
		if r.SecureServing {
			tlsCfg, err := r.tlsConfig(ctx, logger)
			if err != nil {
				return err
			}
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		}
		srv := grpc.NewServer(opts...)
		extProcPb.RegisterExternalProcessorServer(srv, NewServer(r.Options))
		// grpcurl can list and call the mock without the proto files.
		reflection.Register(srv)

		logger.Info("Mock external processor configured", "behavior", r.Options.String(), "secure", r.SecureServing)
		return runnable.GRPCServer("ext-proc", srv, lis).Start(ctx)
	})
}

func (r *ExtProcServerRunner) tlsConfig(ctx context.Context, logger logr.Logger) (*tls.Config, error) {
	if r.CertPath != "" {
		reloader, err := common.NewCertReloader(ctx, r.CertPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{GetCertificate: reloader.GetCertificate, MinVersion: tls.VersionTLS12}, nil
	}
	cert, err := tlsutil.CreateSelfSignedTLSCertificate(logger, "localhost", "127.0.0.1")
	if err != nil {
		return nil, fmt.Errorf("failed to create self signed certificate - %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// HealthServer returns a gRPC server reporting the ext_proc service as serving.
func HealthServer() *grpc.Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthPb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(extProcPb.ExternalProcessor_ServiceDesc.ServiceName, healthPb.HealthCheckResponse_SERVING)
	healthPb.RegisterHealthServer(srv, hs)
	return srv
}
