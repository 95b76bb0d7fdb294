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

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"sigs.k8s.io/inference-proxy/internal/runnable"
	"sigs.k8s.io/inference-proxy/pkg/common"
	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/common/observability/profiling"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
	"sigs.k8s.io/inference-proxy/pkg/inference/handlers"
	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
	"sigs.k8s.io/inference-proxy/pkg/inference/notify"
	"sigs.k8s.io/inference-proxy/pkg/inference/proxy"
	"sigs.k8s.io/inference-proxy/pkg/inference/reactor"
	"sigs.k8s.io/inference-proxy/pkg/inference/server"
	"sigs.k8s.io/inference-proxy/version"
)

var setupLog = ctrl.Log.WithName("setup")

func NewRunner() *Runner {
	return &Runner{
		executableName: "inference-proxy",
		flags:          pflag.CommandLine,
	}
}

// Runner wires the proxy, the reactor and the worker pool and runs them
// until the context is cancelled.
type Runner struct {
	executableName string
	flags          *pflag.FlagSet
	args           []string
}

// WithExecutableName sets the name of the executable containing the runner.
// The name is used in the version log upon startup and is otherwise opaque.
func (r *Runner) WithExecutableName(exeName string) *Runner {
	r.executableName = exeName
	return r
}

// WithArgs parses args on a private flag set instead of the process command line.
func (r *Runner) WithArgs(args []string) *Runner {
	r.flags = pflag.NewFlagSet(r.executableName, pflag.ContinueOnError)
	r.args = args
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	opts := server.NewOptions()
	opts.AddFlags(r.flags)
	if r.flags == pflag.CommandLine {
		pflag.Parse()
	} else if err := r.flags.Parse(r.args); err != nil {
		return err
	}
	if err := opts.Complete(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}
	logutil.InitLogging(&opts.ZapOptions)
	setupLog.Info(r.executableName+" build", version.LogValues()...)

	flags := make(map[string]any)
	r.flags.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	resolver, err := opts.Resolver()
	if err != nil {
		setupLog.Error(err, "Failed to load configuration", "file", opts.ConfigFile)
		return err
	}
	setupLog.Info("Configuration loaded", "scopes", resolver.Scopes(),
		"bbrMaxBodySize", units.BytesSize(float64(opts.Root.BBR.MaxBodySize)))

	// The core outlives the serving context so that in-flight requests can
	// finish while the HTTP server drains.
	coreCtx, stopCore := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCore()

	if opts.Tracing {
		if err := common.InitTracing(coreCtx, setupLog); err != nil {
			setupLog.Error(err, "Failed to initialize tracing")
			return err
		}
	}
	metrics.Register()

	logger := ctrl.Log.WithName("core")
	clk := clock.RealClock{}
	pool := bridge.NewPool(opts.PoolSize, opts.QueueDepth, logger)
	pool.Start(log.IntoContext(coreCtx, logger))
	defer pool.Stop()

	wake := notify.NewLatch(nil)
	handler := handlers.NewHandler(resolver, bridge.New(pool, clk, wake), extproc.NewClient())
	rct := reactor.New(handler, clk, wake, opts.ReactorOptions(), logger)
	go func() {
		_ = rct.Run(log.IntoContext(coreCtx, logger))
	}()

	runnables, err := r.servers(opts, rct, resolver)
	if err != nil {
		stopCore()
		<-rct.Done()
		return err
	}

	setupLog.Info("Servers starting", "port", opts.Port, "poolSize", opts.PoolSize)
	err = runnable.RunAll(log.IntoContext(ctx, ctrl.Log), runnables...)
	if err != nil {
		setupLog.Error(err, "Server failed")
	}

	stopCore()
	<-rct.Done()
	setupLog.Info("Servers terminated")
	return err
}

// servers listens on every port up front so that a busy port fails the
// start instead of a running server.
func (r *Runner) servers(opts *server.Options, rct *reactor.Reactor, resolver *config.Resolver) ([]runnable.Named, error) {
	var listeners []net.Listener
	listen := func(port int) (net.Listener, error) {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("failed to listen on port %d - %w", port, err)
		}
		listeners = append(listeners, lis)
		return lis, nil
	}

	proxyLis, err := listen(opts.Port)
	if err != nil {
		return nil, err
	}
	metricsLis, err := listen(opts.MetricsPort)
	if err != nil {
		return nil, err
	}
	healthLis, err := listen(opts.HealthPort)
	if err != nil {
		return nil, err
	}

	px := proxy.NewServer(rct, resolver, opts.ProxyOptions(), ctrl.Log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	if opts.EnablePprof {
		setupLog.Info("Setting pprof handlers")
		profiling.SetupPprofHandlers(mux)
	}

	healthSrv := grpc.NewServer()
	healthPb.RegisterHealthServer(healthSrv, &healthServer{ready: rct.Running})

	return []runnable.Named{
		{Name: "proxy", Runnable: runnable.HTTPServer("proxy", px.HTTPServer(), proxyLis, opts.ShutdownTimeout)},
		{Name: "metrics", Runnable: runnable.HTTPServer("metrics", &http.Server{Handler: mux, ReadHeaderTimeout: proxy.DefaultReadHeaderTimeout}, metricsLis, opts.ShutdownTimeout)},
		{Name: "health", Runnable: runnable.GRPCServer("health", healthSrv, healthLis)},
	}, nil
}
