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
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bufbuild/nsrouter/internal"
	"github.com/bufbuild/nsrouter/resolver"
	"github.com/bufbuild/nsrouter/stats"
	"golang.org/x/time/rate"
)

const failureLogInterval = 30 * time.Second

// nameState is what a nameWatch reports to its owner.
type nameState struct {
	status       Status
	tableVersion uint64
}

// nameWatch keeps one name attached to the resolver that the active table
// selects for it. All of its fields except refreshCh are owned by the
// goroutine executing run.
type nameWatch struct {
	router    *Router
	name      Name
	logger    *slog.Logger
	report    func(state nameState, emit bool)
	refreshCh chan struct{}

	cell       *tableCell
	backend    *backend
	status     Status
	emitted    Status
	hasEmitted bool
	stale      internal.Timer
	restart    internal.Timer
	warnings   rate.Sometimes
}

type backend struct {
	resolver resolver.Resolver
	rule     Rule
	task     io.Closer
	receiver *backendReceiver
	refresh  chan struct{}
	reported bool
}

func newNameWatch(router *Router, name Name, logger *slog.Logger, report func(nameState, bool)) *nameWatch {
	return &nameWatch{
		router:    router,
		name:      name,
		logger:    logger.With(slog.String("name", string(name))),
		report:    report,
		refreshCh: make(chan struct{}, 1),
		warnings:  rate.Sometimes{First: 1, Interval: failureLogInterval},
	}
}

func (w *nameWatch) run(ctx context.Context) {
	w.stale = internal.NewStoppedTimer(w.router.opts.clock)
	w.restart = internal.NewStoppedTimer(w.router.opts.clock)
	defer func() {
		w.closeBackend()
		internal.StopTimer(w.stale)
		internal.StopTimer(w.restart)
	}()

	w.reconcile(w.router.cell.Load())
	for {
		var poke <-chan struct{}
		if w.backend != nil {
			poke = w.backend.receiver.poke
		}
		select {
		case <-ctx.Done():
			return
		case <-w.router.ctx.Done():
			return
		case <-w.cell.changed:
			// Load the newest cell rather than the next one, so that a
			// watch that fell behind skips intermediate tables.
			w.reconcile(w.router.cell.Load())
		case <-poke:
			w.drain()
		case <-w.stale.Chan():
			w.markStale()
		case <-w.restart.Chan():
			w.logger.Debug("restarting backend after end of stream")
			w.reconcile(w.router.cell.Load())
		case <-w.refreshCh:
			if w.backend != nil {
				select {
				case w.backend.refresh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// resolveNow may be called from any goroutine.
func (w *nameWatch) resolveNow() {
	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
}

func (w *nameWatch) reconcile(cell *tableCell) {
	w.cell = cell
	internal.StopTimer(w.restart)
	res, rule, err := cell.table.Match(w.name)
	switch {
	case err != nil:
		w.closeBackend()
		w.status = Status{State: StateNotFound, Err: err}
		w.notify(!w.hasEmitted || !sameOutcome(w.status, w.emitted))
		return
	case w.backend != nil && sameResolver(w.backend.resolver, res):
		w.backend.rule = rule
		w.status.Route = rule.String()
		w.router.handleEvent(&stats.BackendReused{
			Name:         string(w.name),
			Route:        rule.String(),
			TableVersion: cell.version,
		})
		w.notify(false)
		return
	}

	w.closeBackend()
	if w.status.State == StateNotFound || w.status.State == StateGone {
		w.status = Status{State: StatePending}
	}
	// The last known addresses stay visible until the new backend reports.
	w.open(res, rule)
	w.notify(false)
	w.drain()
}

func (w *nameWatch) open(res resolver.Resolver, rule Rule) {
	receiver := &backendReceiver{poke: make(chan struct{}, 1)}
	refresh := make(chan struct{}, 1)
	task := res.New(w.router.ctx, string(w.name), receiver, refresh)
	if task == nil {
		task = nopCloser{}
	}
	w.backend = &backend{
		resolver: res,
		rule:     rule,
		task:     task,
		receiver: receiver,
		refresh:  refresh,
	}
	w.router.handleEvent(&stats.BackendOpened{Name: string(w.name), Route: rule.String()})
	w.logger.Debug("opened backend", slog.String("route", rule.String()), slog.Uint64("table_version", w.cell.version))
	w.armStale()
}

func (w *nameWatch) closeBackend() {
	if w.backend == nil {
		return
	}
	b := w.backend
	w.backend = nil
	internal.StopTimer(w.stale)
	w.router.release(w.name, b.rule.String(), b.task)
}

func (w *nameWatch) drain() {
	b := w.backend
	if b == nil {
		return
	}
	set, hasSet, err, hasErr := b.receiver.take()
	if !hasSet && !hasErr {
		return
	}
	first := !b.reported
	b.reported = true
	route := b.rule.String()

	if hasSet {
		set = set.Normalize()
		if set.ResolvedAt.IsZero() {
			set.ResolvedAt = w.router.opts.clock.Now()
		}
		w.status = Status{
			State:      StateResolved,
			Addresses:  set.Addresses,
			Revision:   set.Revision,
			ResolvedAt: set.ResolvedAt,
			Route:      route,
		}
	}
	if hasErr {
		if errors.Is(err, resolver.ErrGone) {
			w.closeBackend()
			w.status = Status{
				State: StateGone,
				Err:   &ResolverError{Name: w.name, Err: err},
				Route: route,
			}
			w.logger.Info("resolver ended the stream for name", slog.String("route", route))
			if delay := w.router.opts.restartDelay; delay > 0 {
				w.restart.Reset(delay)
			}
			w.notify(true)
			return
		}
		w.degrade(route, err, false)
	}
	w.armStale()
	w.notify(first || !w.hasEmitted || !sameOutcome(w.status, w.emitted))
}

func (w *nameWatch) markStale() {
	if w.backend == nil || w.status.Stale {
		return
	}
	w.degrade(w.backend.rule.String(), ErrStale, true)
	w.notify(!sameOutcome(w.status, w.emitted))
}

// degrade keeps the last known addresses and marks them stale.
func (w *nameWatch) degrade(route string, err error, stale bool) {
	w.status.State = StateDegraded
	w.status.Stale = true
	w.status.Err = &ResolverError{Name: w.name, Err: err}
	w.status.Route = route
	w.router.handleEvent(&stats.ResolverFailed{
		Name:  string(w.name),
		Route: route,
		Err:   err,
		Stale: stale,
	})
	w.warnings.Do(func() {
		w.logger.Warn(
			"name resolution degraded, keeping last known addresses",
			slog.String("route", route),
			slog.Int("addresses", len(w.status.Addresses)),
			slog.Any("error", err),
		)
	})
}

func (w *nameWatch) armStale() {
	if w.router.opts.staleAfter <= 0 {
		return
	}
	internal.StopTimer(w.stale)
	w.stale.Reset(w.router.opts.staleAfter)
}

func (w *nameWatch) notify(emit bool) {
	if emit {
		w.emitted = w.status
		w.hasEmitted = true
	}
	w.report(nameState{status: w.status, tableVersion: w.cell.version}, emit)
}

// backendReceiver is the resolver.Receiver handed to a backend task. It
// stores the latest report and pokes the watch, so that a burst of reports
// is coalesced into one drain.
type backendReceiver struct {
	poke chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	seq uint64
	// +checklocks:mu
	set resolver.AddressSet
	// +checklocks:mu
	setSeq uint64
	// +checklocks:mu
	err error
	// +checklocks:mu
	errSeq uint64
	// +checklocks:mu
	taken uint64
}

func (r *backendReceiver) OnResolve(set resolver.AddressSet) {
	r.mu.Lock()
	r.seq++
	r.set = set
	r.setSeq = r.seq
	r.mu.Unlock()
	r.wake()
}

func (r *backendReceiver) OnResolveError(err error) {
	r.mu.Lock()
	r.seq++
	r.err = err
	r.errSeq = r.seq
	r.mu.Unlock()
	r.wake()
}

// take returns the reports received since the previous call. An error is
// only returned if it arrived after the latest address set.
func (r *backendReceiver) take() (set resolver.AddressSet, hasSet bool, err error, hasErr bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hasSet = r.setSeq > r.taken
	hasErr = r.errSeq > r.taken && r.errSeq > r.setSeq
	r.taken = r.seq
	return r.set, hasSet, r.err, hasErr
}

func (r *backendReceiver) wake() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
