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
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/nsrouter/resolver"
	"github.com/bufbuild/nsrouter/stats"
	"golang.org/x/sync/errgroup"
)

// Router routes names to resolvers according to its active routing table
// and keeps every subscription attached to the resolvers that the table
// currently selects.
//
// A Router is safe for concurrent use. Use New to create one.
type Router struct {
	opts   routerOptions
	logger *slog.Logger
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	// Readers load the cell without locking. Writers hold mu.
	cell atomic.Pointer[tableCell]

	mu sync.Mutex
	// +checklocks:mu
	version uint64
	// +checklocks:mu
	closed bool

	loops     sync.WaitGroup
	teardowns errgroup.Group
}

// tableCell is an installed table. Its changed channel is closed when a
// newer table replaces it.
type tableCell struct {
	table   *Table
	version uint64
	changed chan struct{}
}

// New creates a router with the given initial table. A nil table starts
// the router with an empty table at version 0, so that every name is
// NotFound until Configure installs a table. Any other table is installed
// as version 1, and an error is returned if it is invalid.
func New(initial *Table, opts ...RouterOption) (*Router, error) {
	var routerOpts routerOptions
	for _, opt := range opts {
		opt.apply(&routerOpts)
	}
	routerOpts.applyDefaults()
	router := &Router{
		opts:   routerOpts,
		logger: routerOpts.logger,
	}
	router.ctx, router.cancel = context.WithCancel(routerOpts.rootCtx)
	router.cell.Store(&tableCell{table: EmptyTable(), changed: make(chan struct{})})
	if initial == nil {
		return router, nil
	}
	if _, err := router.Configure(initial); err != nil {
		router.cancel()
		return nil, err
	}
	return router, nil
}

// Configure validates the given table and makes it the active one. It
// returns the version stamped on the table once it is installed. Existing
// subscriptions re-match their names asynchronously; a subscription that
// falls behind several tables moves straight to the latest one.
//
// If the table is invalid, the returned error wraps ErrConfigurationInvalid
// and the active table is unchanged.
func (r *Router) Configure(table *Table) (uint64, error) {
	if err := table.Validate(); err != nil {
		r.handleEvent(&stats.TableRejected{Err: err})
		r.logger.Warn("rejected routing table", slog.Any("error", err))
		return 0, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRouterClosed
	}
	r.version++
	version := r.version
	previous := r.cell.Swap(&tableCell{
		table:   table,
		version: version,
		changed: make(chan struct{}),
	})
	close(previous.changed)
	r.mu.Unlock()

	r.handleEvent(&stats.TableInstalled{
		Version:    version,
		Rules:      len(table.rules),
		HasDefault: table.defaultResolver != nil,
	})
	r.logger.Debug("installed routing table", slog.Uint64("version", version), slog.Int("rules", len(table.rules)))
	return version, nil
}

// Table returns the active routing table.
func (r *Router) Table() *Table {
	return r.cell.Load().table
}

// Version returns the version of the active routing table.
func (r *Router) Version() uint64 {
	return r.cell.Load().version
}

// SubscribeName starts watching the given name. The subscription ends
// when it is closed, when ctx is cancelled, or when the router is closed.
func (r *Router) SubscribeName(ctx context.Context, name Name) *Subscription {
	sub := newSubscription(ctx, r, stats.SubscriptionName)
	watch := newNameWatch(r, name, sub.logger, func(state nameState, emit bool) {
		sub.tableVersion.Store(state.tableVersion)
		if emit {
			sub.publish(Update{
				Addresses:    state.status.Addresses,
				TableVersion: state.tableVersion,
				Names:        map[Name]Status{name: state.status},
			})
		}
	})
	sub.refresh = watch.resolveNow
	r.start(sub, watch.run)
	return sub
}

// SubscribeList starts watching every name of the latest list received
// from lists, and publishes the union of their addresses. Each list
// replaces the previous one: names that are no longer listed are released,
// names that are new are started, and the others are left untouched.
//
// The subscription ends when lists is closed, when it is closed, when ctx
// is cancelled, or when the router is closed.
func (r *Router) SubscribeList(ctx context.Context, lists <-chan []Name) *Subscription {
	sub := newSubscription(ctx, r, stats.SubscriptionList)
	watch := newListWatch(r, sub, lists)
	sub.refresh = watch.resolveNow
	r.start(sub, watch.run)
	return sub
}

// SubscribeNames is SubscribeList for a fixed list of names.
func (r *Router) SubscribeNames(ctx context.Context, names ...Name) *Subscription {
	lists := make(chan []Name, 1)
	lists <- names
	return r.SubscribeList(ctx, lists)
}

// Resolve waits for the first result for the given name and returns it.
// If the name did not resolve to addresses, the returned error is the
// name's status error. The backend is released before Resolve returns.
func (r *Router) Resolve(ctx context.Context, name Name) (Update, error) {
	sub := r.SubscribeName(ctx, name)
	defer sub.Close()
	update, err := sub.Next(ctx)
	if err != nil {
		return Update{}, err
	}
	return update, update.Names[name].Err
}

// Close ends every subscription and waits for all backends to be
// released. Afterwards, Configure returns ErrRouterClosed and new
// subscriptions end immediately with that error.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.loops.Wait()
	return r.teardowns.Wait()
}

func (r *Router) start(sub *Subscription, run func(context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.finish(ErrRouterClosed)
		return
	}
	r.loops.Add(1)
	r.mu.Unlock()

	r.handleEvent(&stats.SubscriptionStarted{ID: sub.id, Kind: sub.kind})
	go func() {
		defer r.loops.Done()
		started := r.opts.clock.Now()
		run(sub.ctx)
		err := ErrSubscriptionClosed
		if r.ctx.Err() != nil {
			err = ErrRouterClosed
		}
		sub.logger.Debug("subscription ended", slog.Any("reason", err))
		r.handleEvent(&stats.SubscriptionStopped{
			ID:       sub.id,
			Kind:     sub.kind,
			Err:      err,
			Duration: r.opts.clock.Since(started),
		})
		sub.finish(err)
	}()
}

// release closes a backend task without blocking the caller. Close waits
// for every pending release.
func (r *Router) release(name Name, route string, task io.Closer) {
	r.teardowns.Go(func() error {
		err := task.Close()
		r.handleEvent(&stats.BackendClosed{Name: string(name), Route: route})
		if err != nil {
			return fmt.Errorf("closing resolver task for %q: %w", name, err)
		}
		return nil
	})
}

func (r *Router) handleEvent(event stats.Event) {
	r.opts.statsHandler.HandleRouterEvent(r.ctx, event)
}

// sameResolver reports whether two resolvers are the same instance. It
// never panics: resolvers whose dynamic values can not be compared are
// treated as different.
func sameResolver(a, b resolver.Resolver) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.ValueOf(a).Comparable() {
		return false
	}
	return a == b
}
