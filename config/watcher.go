// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bufbuild/nsrouter"
	"github.com/bufbuild/nsrouter/internal"
)

const defaultWatchInterval = 5 * time.Second

// Configurer installs routing tables. *nsrouter.Router implements it.
type Configurer interface {
	Configure(*nsrouter.Table) (uint64, error)
}

// WatcherOption is an option used to customize a Watcher.
type WatcherOption interface {
	apply(*Watcher)
}

// WithRegistry configures the registry used to build tables. If not
// specified, a new registry from NewRegistry is used.
func WithRegistry(registry *Registry) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.registry = registry
	})
}

// WithInterval configures how often the file is checked for changes. The
// default is 5 seconds.
func WithInterval(interval time.Duration) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.interval = interval
	})
}

// WithLogger configures the logger used to report reloads and failures.
// If not specified, [slog.Default] is used.
func WithLogger(logger *slog.Logger) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.logger = logger
	})
}

// WithLoadedContent tells the watcher that data, the current content of
// the file, was already installed into the target, so that Reload only
// installs a table once the content changes.
func WithLoadedContent(data []byte) WatcherOption {
	return watcherOptionFunc(func(w *Watcher) {
		w.lastSum, w.loaded = sha256.Sum256(data), true
	})
}

type watcherOptionFunc func(*Watcher)

func (f watcherOptionFunc) apply(w *Watcher) {
	f(w)
}

// Watcher polls a configuration file and installs a new routing table
// each time its content changes. A file that fails to parse is logged and
// otherwise ignored, so the previously installed table stays in effect.
type Watcher struct {
	path     string
	target   Configurer
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	clock    internal.Clock

	lastSum [sha256.Size]byte
	loaded  bool
}

// NewWatcher creates a watcher that installs the tables read from path
// into target.
func NewWatcher(path string, target Configurer, opts ...WatcherOption) *Watcher {
	watcher := &Watcher{
		path:     path,
		target:   target,
		interval: defaultWatchInterval,
		clock:    internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(watcher)
	}
	if watcher.registry == nil {
		watcher.registry = NewRegistry()
	}
	if watcher.logger == nil {
		watcher.logger = slog.Default()
	}
	watcher.logger = watcher.logger.With(slog.String("path", path))
	return watcher
}

// Reload reads the file and installs its table if the content changed
// since the previous call. It returns the installed version, or zero if
// nothing was installed.
//
// Reload must not be called concurrently with itself or with Run.
func (w *Watcher) Reload() (uint64, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return 0, fmt.Errorf("reading routing config: %w", err)
	}
	sum := sha256.Sum256(data)
	if w.loaded && sum == w.lastSum {
		return 0, nil
	}
	// Remember the content even if it is invalid, so that it is reported
	// once rather than on every poll.
	w.lastSum, w.loaded = sum, true
	table, err := w.registry.Parse(data)
	if err != nil {
		return 0, err
	}
	version, err := w.target.Configure(table)
	if err != nil {
		return 0, err
	}
	w.logger.Info("installed routing table", slog.Uint64("version", version), slog.Int("rules", len(table.Rules())))
	return version, nil
}

// Run reloads the file immediately and then every interval until ctx is
// done. Failures are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	timer := internal.NewStoppedTimer(w.clock)
	defer internal.StopTimer(timer)
	for {
		if _, err := w.Reload(); err != nil {
			w.logger.Error("failed to reload routing config", slog.Any("error", err))
		}
		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}
