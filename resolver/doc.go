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

// Package resolver defines the contract between the router and the backend
// resolvers it routes names to, along with a few ready-made backends.
//
// It contains the core interface ([Resolver]) that can be implemented
// to create a custom name resolution strategy. The interface is general
// enough that it can support any form of resolver, including ones that
// are backed by push mechanisms (like "watching" nodes in ZooKeeper or
// etcd or "watching" resources in Kubernetes). A task reports full
// [AddressSet] snapshots, never deltas, and may end its stream for a name
// by reporting [ErrGone].
//
// # Default Implementation
//
// This package contains a default implementation that uses periodic
// polling via a [ResolveProber]. The one prober implementation included
// uses DNS to query addresses for a name using a [net.Resolver]. Host
// names are looked up with A/AAAA queries, while service names such as
// "_http._tcp.example.com" are looked up with SRV queries.
//
// To create a new resolver implementation that uses periodic polling,
// you need only implement the [ResolveProber] interface and use your
// implementation with NewPollingResolver. To create a more sophisticated
// implementation, you would need to implement the [Resolver] interface,
// which creates a new task for each name that the router needs.
//
// # Static Addresses
//
// [NewStatic] returns a resolver that reports a fixed set of addresses,
// which is useful for pinning a name or a whole domain to known hosts.
//
// # Subsetting
//
// [NewSubsetter] wraps any resolver so that each name reports at most a
// fixed number of its addresses, chosen consistently per process.
package resolver
