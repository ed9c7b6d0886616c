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

// Package stats defines the events a router reports about its internal
// activity. A Handler can turn them into metrics, logs or traces; see the
// metrics package for a Prometheus implementation.
package stats

import (
	"context"
	"time"
)

// Handler will be invoked with an event of the corresponding type when said event occurs.
// It is called synchronously from the router's goroutines and must not block.
type Handler interface {
	HandleRouterEvent(context.Context, Event)
}

// Event contains information about a specific event that happened in the router.
type Event interface {
	isRouterEvent()
}

// TableInstalled is reported when a routing table becomes active.
type TableInstalled struct {
	// The version stamped on the table.
	Version uint64
	// The number of rules in the table, not counting the default.
	Rules int
	// Whether the table has a default resolver.
	HasDefault bool
}

func (*TableInstalled) isRouterEvent() {}

// TableRejected is reported when a table fails validation. The active
// table is unchanged.
type TableRejected struct {
	Err error
}

func (*TableRejected) isRouterEvent() {}

// SubscriptionKind tells name subscriptions and list subscriptions apart.
type SubscriptionKind string

const (
	SubscriptionName SubscriptionKind = "name"
	SubscriptionList SubscriptionKind = "list"
)

// SubscriptionStarted is reported when a consumer subscribes.
type SubscriptionStarted struct {
	ID   string
	Kind SubscriptionKind
}

func (*SubscriptionStarted) isRouterEvent() {}

// SubscriptionStopped is reported when a subscription ends, for whatever
// reason.
type SubscriptionStopped struct {
	ID   string
	Kind SubscriptionKind
	// Why the subscription ended.
	Err error
	// How long the subscription was active.
	Duration time.Duration
}

func (*SubscriptionStopped) isRouterEvent() {}

// UpdatePublished is reported each time a subscription makes a new update
// available to its consumer.
type UpdatePublished struct {
	ID           string
	Kind         SubscriptionKind
	TableVersion uint64
	Addresses    int
}

func (*UpdatePublished) isRouterEvent() {}

// BackendOpened is reported when a resolver task is created for a name.
type BackendOpened struct {
	Name string
	// The pattern of the rule that selected the resolver, or "default".
	Route string
}

func (*BackendOpened) isRouterEvent() {}

// BackendReused is reported when a new table selects the same resolver for
// a name, so its task is kept as is.
type BackendReused struct {
	Name         string
	Route        string
	TableVersion uint64
}

func (*BackendReused) isRouterEvent() {}

// BackendClosed is reported when a resolver task is released.
type BackendClosed struct {
	Name  string
	Route string
}

func (*BackendClosed) isRouterEvent() {}

// ResolverFailed is reported when a backend reports an error or goes
// silent for longer than the stale threshold.
type ResolverFailed struct {
	Name  string
	Route string
	Err   error
	// Whether the failure was detected by the stale threshold rather than
	// reported by the resolver.
	Stale bool
}

func (*ResolverFailed) isRouterEvent() {}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Event)

// HandleRouterEvent calls f.
func (f HandlerFunc) HandleRouterEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Discard is a Handler that ignores every event.
var Discard Handler = HandlerFunc(func(context.Context, Event) {})
