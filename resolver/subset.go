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

package resolver

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// SubsetConfig configures NewSubsetter.
type SubsetConfig struct {
	// Size is the number of addresses to keep out of each resolved set.
	// This option is required.
	Size int

	// Key selects which addresses are kept. Processes that use the same
	// key keep the same addresses, so typically each process sets a unique
	// value, such as its host name. If not set, a random key is used.
	Key string
}

// NewSubsetter returns a resolver that reports a consistent subset of at
// most config.Size of the addresses that res resolves. Addresses are
// ranked with rendezvous hashing: when an address disappears, only the
// processes that had kept it pick a replacement, and the replacements are
// spread evenly over the remaining addresses.
func NewSubsetter(res Resolver, config SubsetConfig) (Resolver, error) {
	if config.Size <= 0 {
		return nil, errors.New("subset size must be positive")
	}
	if config.Key == "" {
		config.Key = uuid.NewString()
	}
	return &subsetResolver{
		resolver: res,
		key:      config.Key,
		size:     config.Size,
	}, nil
}

type subsetResolver struct {
	resolver Resolver
	key      string
	size     int
}

func (s *subsetResolver) New(
	ctx context.Context,
	name string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	return s.resolver.New(ctx, name, &subsetReceiver{Receiver: receiver, subsetter: s}, refresh)
}

type subsetReceiver struct {
	Receiver
	subsetter *subsetResolver
}

func (r *subsetReceiver) OnResolve(set AddressSet) {
	set.Addresses = r.subsetter.subset(set.Addresses)
	r.Receiver.OnResolve(set)
}

func (s *subsetResolver) subset(addrs []Address) []Address {
	if len(addrs) <= s.size {
		return addrs
	}
	type ranked struct {
		addr Address
		rank uint64
	}
	ranks := make([]ranked, len(addrs))
	digest := xxhash.New()
	for i, addr := range addrs {
		digest.Reset()
		_, _ = digest.WriteString(s.key)
		_, _ = digest.WriteString(addr.HostPort)
		ranks[i] = ranked{addr: addr, rank: digest.Sum64()}
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].rank != ranks[j].rank {
			return ranks[i].rank > ranks[j].rank
		}
		return ranks[i].addr.HostPort < ranks[j].addr.HostPort
	})
	kept := make([]Address, s.size)
	for i := range kept {
		kept[i] = ranks[i].addr
	}
	return kept
}
