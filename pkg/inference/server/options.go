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

package server

import (
	"errors"
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/proxy"
	"sigs.k8s.io/inference-proxy/pkg/inference/reactor"
)

const (
	DefaultPort            = 8080
	DefaultHealthPort      = 9005
	DefaultMetricsPort     = 9090
	DefaultQueueDepth      = 1024
	DefaultShutdownTimeout = 30 * time.Second
	ZapLogLevelFlagName    = "zap-log-level"
)

// Options contains the command-line configuration for the inference proxy.
type Options struct {
	//
	// Serving.
	//
	Port            int           // HTTP port of the proxy.
	ShutdownTimeout time.Duration // How long in-flight requests may take to finish on shutdown.
	BodyBufferSize  int64         // Body bytes kept in memory before spooling to disk.
	ClientMaxBody   int64         // Largest accepted request body; -1 is unlimited.
	TempDir         string        // Directory for spooled bodies.
	//
	// Reactor and worker pool.
	//
	PoolSize     int
	QueueDepth   int
	PollInterval time.Duration
	Wake         bool
	Grace        time.Duration
	//
	// Routing. Root holds the root scope; ConfigFile may add locations.
	//
	ConfigFile string
	Root       config.Settings
	BBRAllow   bool
	EPPAllow   bool
	//
	// Diagnostics.
	//
	LogVerbosity int         // Number for the log level verbosity.
	ZapOptions   zap.Options // Zap logging options.
	MetricsPort  int         // The metrics port.
	HealthPort   int         // The port for gRPC liveness and readiness probes.
	EnablePprof  bool        // Enables pprof handlers on the metrics port.
	Tracing      bool        // Enables OpenTelemetry tracing.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	ro := reactor.DefaultOptions()
	return &Options{
		Port:            DefaultPort,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyBufferSize:  proxy.DefaultBodyBufferSize,
		ClientMaxBody:   -1,
		PoolSize:        runtime.NumCPU(),
		QueueDepth:      DefaultQueueDepth,
		PollInterval:    ro.PollInterval,
		Wake:            ro.Wake,
		Grace:           ro.Grace,
		Root:            config.Defaults(),
		LogVerbosity:    logging.DEFAULT,
		ZapOptions:      zap.Options{Development: true},
		MetricsPort:     DefaultMetricsPort,
		HealthPort:      DefaultHealthPort,
		EnablePprof:     true,
		Tracing:         true,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.IntVar(&opts.Port, "port", opts.Port, "The HTTP port the proxy listens on.")
	fs.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout,
		"How long in-flight requests may take to finish on shutdown.")
	fs.Var((*config.ByteSize)(&opts.BodyBufferSize), "body-buffer-size",
		"Request body bytes kept in memory before the rest is spooled to a temporary file.")
	fs.Var((*config.ByteSize)(&opts.ClientMaxBody), "client-max-body-size",
		`Largest accepted request body, or "unlimited".`)
	fs.StringVar(&opts.TempDir, "temp-dir", opts.TempDir,
		"Directory for spooled request bodies. Defaults to the system temp dir.")

	fs.IntVar(&opts.PoolSize, "pool-size", opts.PoolSize, "Number of workers running external calls.")
	fs.IntVar(&opts.QueueDepth, "queue-depth", opts.QueueDepth, "Work units that may wait for a worker before dispatch is rejected.")
	fs.DurationVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "Backstop interval at which suspended requests are polled.")
	fs.BoolVar(&opts.Wake, "wake", opts.Wake, "Wake the reactor as soon as a worker finishes.")
	fs.DurationVar(&opts.Grace, "deadline-grace", opts.Grace,
		"How long past its deadline a silent work unit may take before it is resolved as a timeout.")

	fs.StringVar(&opts.ConfigFile, "config-file", opts.ConfigFile, "YAML file with root settings and per-location scopes.")
	fs.BoolVar(&opts.Root.BBR.Enabled, "bbr", opts.Root.BBR.Enabled, "Enables body-based routing in the root scope.")
	fs.StringVar(&opts.Root.BBR.HeaderName, "bbr-header-name", opts.Root.BBR.HeaderName, "Header that receives the model name.")
	fs.Var((*config.ByteSize)(&opts.Root.BBR.MaxBodySize), "bbr-max-body-size", "Largest body inspected for the model name.")
	fs.StringVar(&opts.Root.BBR.DefaultModel, "bbr-default-model", opts.Root.BBR.DefaultModel, "Model name used when the body has none.")
	fs.BoolVar(&opts.BBRAllow, "bbr-failure-mode-allow", opts.BBRAllow, "Skip body-based routing instead of failing the request.")
	fs.BoolVar(&opts.Root.EPP.Enabled, "epp", opts.Root.EPP.Enabled, "Enables the endpoint picker in the root scope.")
	fs.StringVar(&opts.Root.EPP.Endpoint, "epp-endpoint", opts.Root.EPP.Endpoint, "Address of the external processor.")
	fs.StringVar(&opts.Root.EPP.HeaderName, "epp-header-name", opts.Root.EPP.HeaderName, "Header that receives the picked upstream.")
	fs.DurationVar(&opts.Root.EPP.Timeout, "epp-timeout", opts.Root.EPP.Timeout, "Deadline of one endpoint picker call.")
	fs.BoolVar(&opts.Root.EPP.TLS, "epp-tls", opts.Root.EPP.TLS, "Use TLS towards the external processor.")
	fs.StringVar(&opts.Root.EPP.CAFile, "epp-ca-file", opts.Root.EPP.CAFile, "PEM bundle trusted for the external processor.")
	fs.BoolVar(&opts.EPPAllow, "epp-failure-mode-allow", opts.EPPAllow, "Continue with the default upstream instead of failing the request.")
	fs.StringVar(&opts.Root.DefaultUpstream, "default-upstream", opts.Root.DefaultUpstream, "host:port used when the endpoint picker fails open.")
	fs.StringVar(&opts.Root.ProxyPass, "proxy-pass", opts.Root.ProxyPass, "Static upstream URL used when no routing header is set.")

	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The metrics port.")
	fs.IntVar(&opts.HealthPort, "grpc-health-port", opts.HealthPort, "The port used for gRPC liveness and readiness probes.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
	fs.BoolVar(&opts.Tracing, "tracing", opts.Tracing, "Enables OpenTelemetry tracing.")

	// Bind zap flags (zap expects a standard Go FlagSet; pflag.FlagSet is not compatible).
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs)
	fs.AddGoFlagSet(gofs)
}

// Complete performs post-processing of parsed command-line arguments.
func (opts *Options) Complete() error {
	// Derive the zap log level from the -v flag when --zap-log-level is not set explicitly.
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed {
		lvl := -1 * (opts.LogVerbosity)
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
		zapLogLevelFlag.Changed = true
	}
	opts.Root.BBR.FailureMode = config.FailureModeFromAllow(opts.BBRAllow)
	opts.Root.EPP.FailureMode = config.FailureModeFromAllow(opts.EPPAllow)
	return nil
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	for _, pc := range []struct {
		name string
		port int
	}{
		{"port", opts.Port},
		{"grpc-health-port", opts.HealthPort},
		{"metrics-port", opts.MetricsPort},
	} {
		if pc.port < 1 || pc.port > 65535 {
			return fmt.Errorf("invalid value %d for flag %q: must be between 1 and 65535", pc.port, pc.name)
		}
	}
	ports := map[int]string{
		opts.Port:        "port",
		opts.HealthPort:  "grpc-health-port",
		opts.MetricsPort: "metrics-port",
	}
	if len(ports) < 3 {
		return fmt.Errorf("port conflict: port (%d), grpc-health-port (%d), and metrics-port (%d) must all be different",
			opts.Port, opts.HealthPort, opts.MetricsPort)
	}

	if opts.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.LogVerbosity, "v")
	}
	if opts.PoolSize < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.PoolSize, "pool-size")
	}
	if opts.QueueDepth < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.QueueDepth, "queue-depth")
	}
	if opts.PollInterval <= 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be positive", opts.PollInterval, "poll-interval")
	}
	if opts.Grace < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must not be negative", opts.Grace, "deadline-grace")
	}
	if opts.BodyBufferSize < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be positive", opts.BodyBufferSize, "body-buffer-size")
	}

	// The root scope is compiled again when the resolver is built; doing it
	// here reports flag mistakes before anything starts.
	root := opts.Root
	if err := config.Compile("root", &root); err != nil {
		return errors.Join(errors.New("invalid root scope flags"), err)
	}
	return nil
}

// ReactorOptions returns the reactor tuning selected by the flags.
func (opts *Options) ReactorOptions() reactor.Options {
	return reactor.Options{
		PollInterval: opts.PollInterval,
		Wake:         opts.Wake,
		Grace:        opts.Grace,
		QueueDepth:   opts.QueueDepth,
	}
}

// ProxyOptions returns the host body handling selected by the flags.
func (opts *Options) ProxyOptions() proxy.Options {
	return proxy.Options{
		BodyBufferSize:    int(opts.BodyBufferSize),
		ClientMaxBodySize: opts.ClientMaxBody,
		TempDir:           opts.TempDir,
	}
}

// Resolver builds the scope resolver from the root flags and the config file.
func (opts *Options) Resolver() (*config.Resolver, error) {
	return config.Load(opts.ConfigFile, opts.Root)
}
