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

// Command extproc-mock serves a scriptable Envoy external processor for local
// testing of the inference proxy.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"sigs.k8s.io/inference-proxy/internal/runnable"
	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/extprocmock"
)

func main() {
	logutil.InitSetupLogging()
	setupLog := ctrl.Log.WithName("setup")

	runner := extprocmock.NewDefaultExtProcServerRunner(extprocmock.DefaultGrpcPort)
	var (
		healthPort = extprocmock.DefaultGrpcHealthPort
		mode       = string(runner.Options.Mode)
		verbosity  = logutil.DEFAULT
	)

	fs := pflag.NewFlagSet("extproc-mock", pflag.ExitOnError)
	fs.IntVar(&runner.GrpcPort, "grpc-port", runner.GrpcPort, "The gRPC port used for communicating with Envoy.")
	fs.IntVar(&healthPort, "grpc-health-port", healthPort, "The port used for gRPC liveness and readiness probes.")
	fs.StringVar(&mode, "mode", mode, "What the mock answers: epp sets an upstream, bbr sets the model from the body.")
	fs.StringVar(&runner.Options.Upstream, "upstream", os.Getenv("EPP_UPSTREAM"), "Upstream host:port returned in epp mode.")
	fs.StringVar(&runner.Options.UpstreamHeader, "upstream-header", runner.Options.UpstreamHeader, "Header carrying the upstream.")
	fs.StringVar(&runner.Options.ModelHeader, "model-header", runner.Options.ModelHeader, "Header carrying the model in bbr mode.")
	fs.StringVar(&runner.Options.DefaultModel, "default-model", runner.Options.DefaultModel, "Model used when the body names none.")
	fs.BoolVar(&runner.Options.Streaming, "streaming", false, "Expect Envoy's streamed body mode in bbr mode.")
	fs.BoolVar(&runner.SecureServing, "secure-serving", true, "Enables secure serving.")
	fs.StringVar(&runner.CertPath, "cert-path", "", "Directory with tls.crt and tls.key. Defaults to a self-signed certificate.")
	fs.DurationVar(&runner.Options.Delay, "delay", 0, "Holds every header response for this long.")
	fs.IntVarP(&verbosity, "v", "v", verbosity, "Number for the log level verbosity.")
	zapOpts := zap.Options{Development: true}
	gfs := flag.NewFlagSet("zap", flag.ExitOnError)
	zapOpts.BindFlags(gfs)
	fs.AddGoFlagSet(gfs)
	_ = fs.Parse(os.Args[1:])

	if zapOpts.Level == nil {
		zapOpts.Level = logutil.VerbosityOptions(verbosity).Level
	}
	logutil.InitLogging(&zapOpts)

	switch extprocmock.Mode(mode) {
	case extprocmock.ModeEPP, extprocmock.ModeBBR:
		runner.Options.Mode = extprocmock.Mode(mode)
	default:
		logutil.Fatal(setupLog, fmt.Errorf("unknown mode %q", mode), "Invalid flags")
	}

	extProcLis, err := runner.Listen()
	if err != nil {
		logutil.Fatal(setupLog, err, "Failed to listen", "port", runner.GrpcPort)
	}
	healthLis, err := net.Listen("tcp", fmt.Sprintf(":%d", healthPort))
	if err != nil {
		logutil.Fatal(setupLog, err, "Failed to listen", "port", healthPort)
	}

	setupLog.Info("Starting mock external processor", "port", runner.GrpcPort, "healthPort", healthPort, "behavior", runner.Options.String())
	if err := runnable.RunAll(ctrl.SetupSignalHandler(),
		runnable.Named{Name: "ext-proc", Runnable: runner.AsRunnable(ctrl.Log.WithName("ext-proc"), extProcLis)},
		runnable.Named{Name: "health", Runnable: runnable.GRPCServer("health", extprocmock.HealthServer(), healthLis)},
	); err != nil {
		logutil.Fatal(setupLog, err, "Mock external processor failed")
	}
}
