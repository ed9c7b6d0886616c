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
	"slices"
	"testing"
	"time"

	"github.com/bufbuild/nsrouter/internal/clocktest"
	"github.com/bufbuild/nsrouter/resolver/resolvertesting"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListUnion(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	a := resolvertesting.NewFakeResolver("10.0.0.2:80", "10.0.0.1:80")
	b := resolvertesting.NewFakeResolver("10.0.0.3:80", "10.0.0.2:80")
	router := newTestRouter(t, NewTableBuilder().Add("a.svc", a).Add("b.svc", b).Build())

	// Duplicate names collapse.
	sub := router.SubscribeNames(ctx, "a.svc", "b.svc", "a.svc")
	update := awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Names) == 2 && len(update.Addresses) == 3 })
	if diff := cmp.Diff([]string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}, update.HostPorts()); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), update.TableVersion)
	assert.Empty(t, update.Failed())
	assert.Equal(t, 1, a.Opened())
	assert.Equal(t, 1, b.Opened())
}

func TestListPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	good := resolvertesting.NewFakeResolver("10.0.0.1:80")
	flaky := resolvertesting.NewFakeResolver()
	router := newTestRouter(t, NewTableBuilder().Add("good.svc", good).Add("flaky.svc", flaky).Build())
	sub := router.SubscribeNames(ctx, "good.svc", "missing.svc", "flaky.svc")

	task, err := flaky.AwaitTask(ctx, "flaky.svc")
	require.NoError(t, err)
	task.Resolve("10.0.0.2:80")
	awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Addresses) == 2 })

	errBoom := errors.New("boom")
	task.Fail(errBoom)
	update := awaitUpdate(ctx, t, sub, func(update Update) bool {
		return update.Names["flaky.svc"].State == StateDegraded
	})

	// The degraded name keeps its addresses, the missing name is isolated.
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, update.HostPorts())
	assert.Equal(t, []Name{"flaky.svc", "missing.svc"}, update.Failed())
	assert.Equal(t, StateResolved, update.Names["good.svc"].State)
	missing := update.Names["missing.svc"]
	assert.Equal(t, StateNotFound, missing.State)
	require.ErrorIs(t, missing.Err, ErrNotFound)
	flakyStatus := update.Names["flaky.svc"]
	assert.True(t, flakyStatus.Stale)
	require.ErrorIs(t, flakyStatus.Err, errBoom)
	require.ErrorIs(t, flakyStatus.Err, ErrResolverFailure)
}

func TestListMembershipChurn(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	backends := map[Name]*resolvertesting.FakeResolver{
		"a.svc": resolvertesting.NewFakeResolver("10.0.0.1:80"),
		"b.svc": resolvertesting.NewFakeResolver("10.0.0.2:80"),
		"c.svc": resolvertesting.NewFakeResolver("10.0.0.3:80"),
		"d.svc": resolvertesting.NewFakeResolver("10.0.0.4:80"),
	}
	builder := NewTableBuilder()
	for name, backend := range backends {
		builder.Add(string(name), backend)
	}
	router := newTestRouter(t, builder.Build())

	lists := make(chan []Name)
	sub := router.SubscribeList(ctx, lists)
	sendList(ctx, t, lists, "a.svc", "b.svc", "c.svc")
	awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Addresses) == 3 })

	sendList(ctx, t, lists, "b.svc", "c.svc", "d.svc")
	update := awaitUpdate(ctx, t, sub, func(update Update) bool {
		_, hasA := update.Names["a.svc"]
		return !hasA && len(update.Addresses) == 3
	})
	assert.Equal(t, []string{"10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}, update.HostPorts())

	// Only the removed name is torn down; the others are left untouched.
	require.NoError(t, backends["a.svc"].AwaitClosed(ctx, 1))
	for _, name := range []Name{"b.svc", "c.svc", "d.svc"} {
		assert.Equal(t, 1, backends[name].Opened(), name)
		assert.Equal(t, 0, backends[name].Closed(), name)
	}

	// An empty list releases everything and publishes an empty update.
	sendList(ctx, t, lists)
	update = awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Names) == 0 })
	assert.Empty(t, update.Addresses)
	assert.Equal(t, router.Version(), update.TableVersion)
	for _, name := range []Name{"b.svc", "c.svc", "d.svc"} {
		require.NoError(t, backends[name].AwaitClosed(ctx, 1))
	}
}

func TestListConvergenceDelay(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	testClock := clocktest.NewFakeClock()
	fast := resolvertesting.NewFakeResolver("10.0.0.1:80")
	slow := resolvertesting.NewFakeResolver()
	router := newTestRouter(
		t,
		NewTableBuilder().Add("fast.svc", fast).Add("slow.svc", slow).Build(),
		WithConvergenceDelay(time.Second),
		withClock(testClock),
	)
	sub := router.SubscribeNames(ctx, "fast.svc", "slow.svc")
	task, err := slow.AwaitTask(ctx, "slow.svc")
	require.NoError(t, err)

	// The combined update is held back while the slow name has not reported.
	requireNoUpdate(t, sub)
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(time.Second)

	update := nextUpdate(ctx, t, sub)
	assert.Equal(t, []string{"10.0.0.1:80"}, update.HostPorts())
	assert.Equal(t, StatePending, update.Names["slow.svc"].State)

	// Once the delay expired, further changes are published right away.
	task.Resolve("10.0.0.2:80")
	update = nextUpdate(ctx, t, sub)
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, update.HostPorts())
}

func TestListConvergenceReleasedEarly(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	testClock := clocktest.NewFakeClock()
	a := resolvertesting.NewFakeResolver("10.0.0.1:80")
	b := resolvertesting.NewFakeResolver("10.0.0.2:80")
	router := newTestRouter(
		t,
		NewTableBuilder().Add("a.svc", a).Add("b.svc", b).Build(),
		WithConvergenceDelay(time.Hour),
		withClock(testClock),
	)

	// Every member reports right away, so nobody waits for the clock.
	sub := router.SubscribeNames(ctx, "a.svc", "b.svc")
	update := awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Addresses) == 2 })
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, update.HostPorts())
}

func TestListFollowsReconfiguration(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	x := resolvertesting.NewFakeResolver("10.0.0.1:80")
	z := resolvertesting.NewFakeResolver("10.0.0.9:80")
	shared := resolvertesting.NewFakeResolver("10.0.0.5:80")
	router := newTestRouter(t, NewTableBuilder().Add("*.svc", x).Default(shared).Build())
	sub := router.SubscribeNames(ctx, "a.svc", "example.org")
	awaitUpdate(ctx, t, sub, func(update Update) bool { return len(update.Addresses) == 2 })

	_, err := router.Configure(NewTableBuilder().Add("*.svc", z).Default(shared).Build())
	require.NoError(t, err)
	update := awaitUpdate(ctx, t, sub, func(update Update) bool {
		return slices.Contains(update.HostPorts(), "10.0.0.9:80")
	})
	assert.Equal(t, []string{"10.0.0.5:80", "10.0.0.9:80"}, update.HostPorts())
	// The name routed to the same resolver was not re-announced, but the
	// subscription as a whole is now evaluated against the new table.
	require.Eventually(t, func() bool { return sub.TableVersion() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, shared.Opened())
	require.NoError(t, x.AwaitClosed(ctx, 1))
}

func TestListReusedBackendTakesNewRoute(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	backend := resolvertesting.NewFakeResolver("10.0.0.1:80")
	router := newTestRouter(t, NewTableBuilder().Add("*.svc", backend).Build())
	sub := router.SubscribeNames(ctx, "api.svc", "db.svc")
	awaitUpdate(ctx, t, sub, func(update Update) bool {
		return len(update.Names) == 2 && len(update.Failed()) == 0
	})

	_, err := router.Configure(NewTableBuilder().Add("*.svc", backend).Add("api.svc", backend).Build())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.TableVersion() == 2 }, time.Second, time.Millisecond)

	task, err := backend.AwaitTask(ctx, "db.svc")
	require.NoError(t, err)
	task.Resolve("10.0.0.2:80")
	update := awaitUpdate(ctx, t, sub, func(update Update) bool {
		return slices.Contains(update.HostPorts(), "10.0.0.2:80")
	})
	assert.Equal(t, "api.svc", update.Names["api.svc"].Route)
	assert.Equal(t, "*.svc", update.Names["db.svc"].Route)
	assert.Equal(t, 2, backend.Opened())
	assert.Equal(t, 0, backend.Closed())
}

func TestListSourceClosed(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	backend := resolvertesting.NewFakeResolver("10.0.0.1:80")
	router := newTestRouter(t, NewTableBuilder().Default(backend).Build())
	lists := make(chan []Name, 1)
	sub := router.SubscribeList(ctx, lists)
	lists <- []Name{"example.org"}
	nextUpdate(ctx, t, sub)

	close(lists)
	<-sub.Done()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.NoError(t, backend.AwaitClosed(ctx, 1))
}

func sendList(ctx context.Context, t *testing.T, lists chan<- []Name, names ...Name) {
	t.Helper()
	select {
	case lists <- names:
	case <-ctx.Done():
		t.Fatal("list was not accepted")
	}
}

func awaitUpdate(ctx context.Context, t *testing.T, sub *Subscription, done func(Update) bool) Update {
	t.Helper()
	for {
		update, err := sub.Next(ctx)
		require.NoError(t, err)
		if done(update) {
			return update
		}
	}
}
