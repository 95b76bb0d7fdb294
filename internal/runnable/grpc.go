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

package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// GRPCServer converts the given gRPC server into a runnable serving on lis.
// The server name is just being used for logging.
func GRPCServer(name string, srv *grpc.Server, lis net.Listener) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		logger := log.FromContext(ctx).WithValues("name", name)
		logger.Info("gRPC server listening", "address", lis.Addr().String())

		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				logger.Info("gRPC server shutting down")
				srv.GracefulStop()
			case <-doneCh:
			}
		}()

		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server %s failed - %w", name, err)
		}
		logger.Info("gRPC server terminated")
		return nil
	})
}

// HTTPServer converts srv into a runnable serving on lis. When ctx is done
// the server stops accepting and waits up to shutdownTimeout for in-flight
// requests.
func HTTPServer(name string, srv *http.Server, lis net.Listener, shutdownTimeout time.Duration) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		logger := log.FromContext(ctx).WithValues("name", name)
		logger.Info("HTTP server listening", "address", lis.Addr().String())

		doneCh := make(chan struct{})
		defer close(doneCh)
		shutdownErr := make(chan error, 1)
		go func() {
			select {
			case <-ctx.Done():
				logger.Info("HTTP server shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				shutdownErr <- srv.Shutdown(sctx)
			case <-doneCh:
				shutdownErr <- nil
			}
		}()

		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server %s failed - %w", name, err)
		}
		if ctx.Err() != nil {
			if err := <-shutdownErr; err != nil {
				logger.Error(err, "HTTP server did not shut down cleanly")
			}
		}
		logger.Info("HTTP server terminated")
		return nil
	})
}

// Named is a runnable with a name for logs.
type Named struct {
	Name     string
	Runnable manager.Runnable
}

// RunAll starts every runnable and blocks until all of them returned. The
// first failure cancels the others.
func RunAll(ctx context.Context, runnables ...Named) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runnables {
		g.Go(func() error {
			if err := r.Runnable.Start(log.IntoContext(gctx, log.FromContext(ctx).WithValues("runnable", r.Name))); err != nil {
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
