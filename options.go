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

package nsrouter

import (
	"context"
	"log/slog"
	"time"

	"github.com/bufbuild/nsrouter/internal"
	"github.com/bufbuild/nsrouter/stats"
)

const defaultConvergenceDelay = 100 * time.Millisecond

// RouterOption is an option used to customize the behavior of a Router.
type RouterOption interface {
	apply(*routerOptions)
}

// WithRootContext configures the root context used for the background
// goroutines of the router and for the resolver tasks it creates. If not
// specified, [context.Background] is used.
//
// Cancelling the given context ends every subscription, much like calling
// Router.Close, except that Close also waits for backends to be released.
func WithRootContext(ctx context.Context) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.rootCtx = ctx
	})
}

// WithLogger configures the logger used by the router. If not specified,
// [slog.Default] is used.
func WithLogger(logger *slog.Logger) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.logger = logger
	})
}

// WithStatsHandler configures a handler that is told about tables being
// installed, subscriptions coming and going, and backends being opened,
// reused and closed.
func WithStatsHandler(handler stats.Handler) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.statsHandler = handler
	})
}

// WithStaleAfter configures how long a backend may stay silent before the
// name it resolves is marked stale and degraded with ErrStale. The last
// known addresses are kept. Silence is measured from the backend's last
// report. A value of zero, the default, disables the check.
func WithStaleAfter(d time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.staleAfter = d
	})
}

// WithConvergenceDelay configures how long a list subscription holds back
// its combined update after its membership changed, waiting for the new
// names to report their first result. The update is released as soon as
// every new name has reported or the delay has elapsed, whichever comes
// first. The default is 100ms. A value of zero publishes every change
// immediately.
func WithConvergenceDelay(d time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.convergenceDelay = d
		opts.convergenceDelaySet = true
	})
}

// WithRestartDelay configures the router to re-open a backend that ended
// its stream with resolver.ErrGone after the given delay, using the same
// resolver. Until then the name stays in StateGone. A value of zero, the
// default, leaves a gone name alone until a new table is installed.
func WithRestartDelay(d time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.restartDelay = d
	})
}

type routerOptionFunc func(*routerOptions)

func (f routerOptionFunc) apply(opts *routerOptions) {
	f(opts)
}

type routerOptions struct {
	rootCtx             context.Context //nolint:containedctx
	logger              *slog.Logger
	statsHandler        stats.Handler
	staleAfter          time.Duration
	restartDelay        time.Duration
	convergenceDelay    time.Duration
	convergenceDelaySet bool
	clock               internal.Clock
}

func (opts *routerOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.statsHandler == nil {
		opts.statsHandler = stats.Discard
	}
	if !opts.convergenceDelaySet {
		opts.convergenceDelay = defaultConvergenceDelay
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
