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
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/bufbuild/nsrouter/resolver"
)

// State is the resolution state of one name within a subscription.
type State int

const (
	// StatePending means the name's backend has not reported yet.
	StatePending State = iota
	// StateResolved means the backend's latest report was a set of
	// addresses.
	StateResolved
	// StateDegraded means the backend's latest report was an error, or it
	// went silent for too long. The last known addresses are kept.
	StateDegraded
	// StateNotFound means no rule of the active table matches the name and
	// the table has no default. The name has no addresses until a new table
	// routes it.
	StateNotFound
	// StateGone means the backend ended its stream for the name. The name
	// has no addresses until a new table is installed.
	StateGone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateDegraded:
		return "degraded"
	case StateNotFound:
		return "not_found"
	case StateGone:
		return "gone"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Status describes the resolution of one name.
type Status struct {
	State State
	// Stale is set when the addresses are the last known ones rather than
	// the backend's current answer.
	Stale bool
	// Err is set in every state but StateResolved and StatePending. It wraps
	// ErrNotFound for StateNotFound, and is a *ResolverError otherwise.
	Err error
	// Addresses are the name's addresses, sorted by HostPort without
	// duplicates. They must not be modified.
	Addresses []resolver.Address
	// Revision and ResolvedAt are the freshness marker of the backend's
	// latest address set.
	Revision   uint64
	ResolvedAt time.Time
	// Route is the pattern of the rule that selected the name's resolver,
	// or "default". It is empty when no rule matched.
	Route string
}

// Update is one observation delivered to a subscription's consumer. Its
// slices and map must not be modified.
type Update struct {
	// Addresses is the union of the addresses of every name in the
	// subscription, sorted by HostPort without duplicates.
	Addresses []resolver.Address
	// TableVersion is the version of the routing table the subscription was
	// evaluated against. For a list subscription it is the lowest version
	// among its names.
	TableVersion uint64
	// Names holds the status of every name in the subscription.
	Names map[Name]Status
}

// HostPorts returns the host:port of every address in the update.
func (u Update) HostPorts() []string {
	hostPorts := make([]string, len(u.Addresses))
	for i, addr := range u.Addresses {
		hostPorts[i] = addr.HostPort
	}
	return hostPorts
}

// Failed returns, in sorted order, the names whose state is not
// StateResolved.
func (u Update) Failed() []Name {
	var failed []Name
	for name, status := range u.Names {
		if status.State != StateResolved {
			failed = append(failed, name)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// sameOutcome reports whether a consumer would see any difference between
// the two statuses. The freshness marker is ignored.
func sameOutcome(a, b Status) bool {
	return a.State == b.State &&
		a.Stale == b.Stale &&
		a.Route == b.Route &&
		sameError(a.Err, b.Err) &&
		slices.Equal(a.Addresses, b.Addresses)
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
