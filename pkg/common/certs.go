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

package common

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/controller-runtime/pkg/log"

	tlsutil "sigs.k8s.io/inference-proxy/internal/tls"
	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
)

// debounceDelay wait for events to settle before reloading
const debounceDelay = 250 * time.Millisecond

// CertReloader serves the key pair in a directory and swaps it whenever the
// files change. Mounted secrets replace files through symlink swaps, so the
// directory is watched rather than the files.
type CertReloader struct {
	dir     string
	cert    atomic.Pointer[tls.Certificate]
	reloads atomic.Int64
}

// NewCertReloader loads the pair in dir and watches it until ctx is done.
func NewCertReloader(ctx context.Context, dir string) (*CertReloader, error) {
	cert, err := tlsutil.LoadKeyPair(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate from %q: %w", dir, err)
	}
	r := &CertReloader{dir: dir}
	r.cert.Store(&cert)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cert watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	logger := log.FromContext(ctx).WithName("cert-reloader").WithValues("path", dir)
	go func() {
		defer w.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				logger.V(logutil.TRACE).Info("Certificate directory changed", "event", ev)
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					cert, err := tlsutil.LoadKeyPair(dir)
					if err != nil {
						logger.Error(err, "Failed to reload TLS certificate, keeping the previous one")
						return
					}
					r.cert.Store(&cert)
					r.reloads.Add(1)
					logger.V(logutil.DEFAULT).Info("Reloaded TLS certificate")
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error(err, "Certificate watcher failed")
			case <-ctx.Done():
				return
			}
		}
	}()
	return r, nil
}

// Get returns the current certificate.
func (r *CertReloader) Get() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate plugs the reloader into tls.Config.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.Get(), nil
}

// Reloads returns how many times a new pair was loaded.
func (r *CertReloader) Reloads() int64 {
	return r.reloads.Load()
}
