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
	"sync"

	"github.com/bufbuild/nsrouter/internal"
	"github.com/bufbuild/nsrouter/resolver"
)

// listWatch combines one nameWatch per listed name into a single stream of
// updates. The members, pending and converge fields are owned by the
// goroutine executing run. Members report through states.
type listWatch struct {
	router    *Router
	sub       *Subscription
	lists     <-chan []Name
	poke      chan struct{}
	refreshCh chan struct{}

	members    map[Name]*member
	pending    map[Name]struct{}
	converge   internal.Timer
	converging bool
	published  bool

	mu sync.Mutex
	// +checklocks:mu
	states map[Name]nameState
	// +checklocks:mu
	dirty bool
}

type member struct {
	watch  *nameWatch
	cancel context.CancelFunc
	done   chan struct{}
}

func newListWatch(router *Router, sub *Subscription, lists <-chan []Name) *listWatch {
	return &listWatch{
		router:    router,
		sub:       sub,
		lists:     lists,
		poke:      make(chan struct{}, 1),
		refreshCh: make(chan struct{}, 1),
		members:   map[Name]*member{},
		pending:   map[Name]struct{}{},
		states:    map[Name]nameState{},
	}
}

func (l *listWatch) run(ctx context.Context) {
	l.converge = internal.NewStoppedTimer(l.router.opts.clock)
	defer func() {
		internal.StopTimer(l.converge)
		l.remove(l.members)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.router.ctx.Done():
			return
		case names, ok := <-l.lists:
			if !ok {
				return
			}
			l.setMembers(ctx, names)
			l.flush()
		case <-l.poke:
			l.flush()
		case <-l.converge.Chan():
			l.converging = false
			clear(l.pending)
			l.flush()
		case <-l.refreshCh:
			for _, m := range l.members {
				m.watch.resolveNow()
			}
		}
	}
}

// resolveNow may be called from any goroutine.
func (l *listWatch) resolveNow() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

func (l *listWatch) setMembers(ctx context.Context, names []Name) {
	next := make(map[Name]struct{}, len(names))
	for _, name := range names {
		next[name] = struct{}{}
	}

	removed := map[Name]*member{}
	for name, m := range l.members {
		if _, ok := next[name]; !ok {
			removed[name] = m
		}
	}
	l.remove(removed)

	var added int
	for name := range next {
		if _, ok := l.members[name]; ok {
			continue
		}
		l.add(ctx, name)
		l.pending[name] = struct{}{}
		added++
	}

	l.mu.Lock()
	if len(removed) > 0 || added > 0 || !l.published {
		l.dirty = true
	}
	l.mu.Unlock()

	if added > 0 && l.router.opts.convergenceDelay > 0 {
		internal.StopTimer(l.converge)
		l.converge.Reset(l.router.opts.convergenceDelay)
		l.converging = true
	}
	l.sub.logger.Debug(
		"list membership changed",
		slog.Int("names", len(next)),
		slog.Int("added", added),
		slog.Int("removed", len(removed)),
	)
}

func (l *listWatch) add(ctx context.Context, name Name) {
	memberCtx, cancel := context.WithCancel(ctx)
	m := &member{cancel: cancel, done: make(chan struct{})}
	m.watch = newNameWatch(l.router, name, l.sub.logger, func(state nameState, emit bool) {
		l.mu.Lock()
		l.states[name] = state
		if emit {
			l.dirty = true
		}
		l.mu.Unlock()
		select {
		case l.poke <- struct{}{}:
		default:
		}
	})
	l.members[name] = m
	go func() {
		defer close(m.done)
		m.watch.run(memberCtx)
	}()
}

// remove stops the given members and waits for their watches to detach.
func (l *listWatch) remove(members map[Name]*member) {
	for _, m := range members {
		m.cancel()
	}
	for name, m := range members {
		<-m.done
		delete(l.members, name)
		delete(l.pending, name)
		l.mu.Lock()
		delete(l.states, name)
		l.mu.Unlock()
	}
}

// flush publishes the combined update if anything changed, unless new
// members are still within the convergence delay.
func (l *listWatch) flush() {
	l.mu.Lock()
	for name := range l.pending {
		if state, ok := l.states[name]; ok && state.status.State != StatePending {
			delete(l.pending, name)
		}
	}
	if l.converging && len(l.pending) == 0 {
		internal.StopTimer(l.converge)
		l.converging = false
	}

	version := l.router.Version()
	first := true
	for _, state := range l.states {
		if first || state.tableVersion < version {
			version = state.tableVersion
			first = false
		}
	}
	l.sub.tableVersion.Store(version)

	if !l.dirty || l.converging {
		l.mu.Unlock()
		return
	}
	l.dirty = false
	var addrs []resolver.Address
	names := make(map[Name]Status, len(l.states))
	for name, state := range l.states {
		names[name] = state.status
		addrs = append(addrs, state.status.Addresses...)
	}
	l.mu.Unlock()

	l.published = true
	l.sub.publish(Update{
		Addresses:    resolver.AddressSet{Addresses: addrs}.Normalize().Addresses,
		TableVersion: version,
		Names:        names,
	})
}
