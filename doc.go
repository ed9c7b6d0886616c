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

// Package nsrouter routes name resolution to pluggable backend resolvers.
// Consumers subscribe to a name, or to a list of names, and receive a
// continuously updated set of addresses. The router picks the resolver for
// each name from its active routing table and never resolves names itself.
//
// To create a router, build a [Table] with a [TableBuilder] and pass it to
// [New]. Rules bind patterns to resolvers:
//
//	table := nsrouter.NewTableBuilder().
//		Add("*.consul", consulResolver).
//		Add("api.example.org", resolver.NewStatic("10.0.0.7:443")).
//		Default(resolver.NewDNSResolver(net.DefaultResolver, resolver.PreferIPv4)).
//		Build()
//	router, err := nsrouter.New(table)
//
// Exact patterns take precedence over suffix patterns, which take
// precedence over glob patterns. See [Table.Match] for the details.
//
// # Subscriptions
//
// [Router.SubscribeName] watches one name and [Router.SubscribeList]
// watches the union of a changing list of names. Both return a
// [Subscription], whose Next method delivers the newest [Update]. An update
// carries the addresses, the version of the routing table they were
// evaluated against, and a [Status] for every name, so a consumer can tell
// a name that is not routed ([StateNotFound]) from one whose resolver is
// failing ([StateDegraded]) while the other names keep resolving.
//
// # Reconfiguration
//
// [Router.Configure] atomically replaces the routing table. Subscriptions
// re-match their names in the background. A name whose resolver is the
// same in the new table keeps its resolver task untouched. A name that is
// routed to a different resolver keeps its last known addresses until the
// new resolver reports, so consumers never observe an empty set in between.
//
// Resolver identity is the identity of the [resolver.Resolver] value: the
// same pointer in two tables is the same backend. Create resolvers once and
// reuse them across tables to avoid churn on reconfiguration. The config
// package does this for resolvers declared in YAML.
//
// # Observability
//
// The router logs with [log/slog] and reports events to a [stats.Handler],
// which the metrics package turns into Prometheus metrics.
package nsrouter
