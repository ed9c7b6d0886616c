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

// Package resolvertesting provides a fake resolver that can be useful when
// testing code that routes names to resolvers. It records every task it
// creates, so tests can drive resolution results by hand and assert how
// many backends were opened, reused or closed.
package resolvertesting

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/nsrouter/resolver"
)

// FakeResolver is an implementation of resolver.Resolver whose tasks only
// report what test code tells them to.
//
// See NewFakeResolver.
type FakeResolver struct {
	initial []string

	mu sync.Mutex
	// +checklocks:mu
	tasks map[string][]*FakeTask
	// +checklocks:mu
	opened int
	// +checklocks:mu
	closed int
	// +checklocks:mu
	changed chan struct{}
}

// NewFakeResolver constructs a new FakeResolver. If any addresses are given,
// every task reports them before New returns, the way a resolver with a warm
// cache would. Otherwise tasks stay silent until test code calls one of the
// FakeTask methods.
func NewFakeResolver(initial ...string) *FakeResolver {
	return &FakeResolver{
		initial: initial,
		tasks:   map[string][]*FakeTask{},
		changed: make(chan struct{}),
	}
}

// New implements the resolver.Resolver interface.
func (r *FakeResolver) New(
	_ context.Context,
	name string,
	receiver resolver.Receiver,
	refresh <-chan struct{},
) io.Closer {
	task := &FakeTask{
		Name:      name,
		owner:     r,
		receiver:  receiver,
		done:      make(chan struct{}),
		refreshed: make(chan struct{}, 1),
	}
	task.wg.Add(1)
	go task.watchRefresh(refresh)

	if len(r.initial) > 0 {
		task.Resolve(r.initial...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = append(r.tasks[name], task)
	r.opened++
	r.notifyLocked()
	return task
}

// Opened returns the number of tasks created so far.
func (r *FakeResolver) Opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// Closed returns the number of tasks closed so far.
func (r *FakeResolver) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Active returns the number of tasks that are open.
func (r *FakeResolver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened - r.closed
}

// Tasks returns every task created for the given name, oldest first.
func (r *FakeResolver) Tasks(name string) []*FakeTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]*FakeTask, len(r.tasks[name]))
	copy(tasks, r.tasks[name])
	return tasks
}

// AwaitTask waits until there is an open task for the given name and
// returns the most recently created one.
func (r *FakeResolver) AwaitTask(ctx context.Context, name string) (*FakeTask, error) {
	for {
		r.mu.Lock()
		tasks := r.tasks[name]
		changed := r.changed
		r.mu.Unlock()
		if len(tasks) > 0 {
			if latest := tasks[len(tasks)-1]; !latest.Closed() {
				return latest, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// AwaitClosed waits until at least n tasks have been closed.
func (r *FakeResolver) AwaitClosed(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		closed := r.closed
		changed := r.changed
		r.mu.Unlock()
		if closed >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// +checklocks:r.mu
func (r *FakeResolver) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// FakeTask is a resolver task created by a FakeResolver.
type FakeTask struct {
	Name string

	owner     *FakeResolver
	receiver  resolver.Receiver
	done      chan struct{}
	refreshed chan struct{}
	refreshes atomic.Int32
	wg        sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	revision uint64
}

// Resolve reports the given host:port addresses to the task's receiver.
// It is a no-op once the task is closed.
func (t *FakeTask) Resolve(hostPorts ...string) {
	addrs := make([]resolver.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addrs[i] = resolver.Address{HostPort: hostPort}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.revision++
	t.receiver.OnResolve(resolver.AddressSet{
		Addresses:  addrs,
		Revision:   t.revision,
		ResolvedAt: time.Now(),
	})
}

// Fail reports the given error to the task's receiver. It is a no-op once
// the task is closed.
func (t *FakeTask) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.receiver.OnResolveError(err)
}

// End reports resolver.ErrGone to the task's receiver.
func (t *FakeTask) End() {
	t.Fail(resolver.ErrGone)
}

// Closed returns true once the task has been closed.
func (t *FakeTask) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Refreshes returns how many refresh signals the task has received.
func (t *FakeTask) Refreshes() int {
	return int(t.refreshes.Load())
}

// AwaitRefresh waits for the task to receive a refresh signal.
func (t *FakeTask) AwaitRefresh(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.refreshed:
		return nil
	}
}

// Close implements io.Closer. After it returns, the receiver is never
// called again.
func (t *FakeTask) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	t.wg.Wait()

	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.owner.closed++
	t.owner.notifyLocked()
	return nil
}

func (t *FakeTask) watchRefresh(refresh <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case _, ok := <-refresh:
			if !ok {
				return
			}
			t.refreshes.Add(1)
			select {
			case t.refreshed <- struct{}{}:
			default:
			}
		}
	}
}
