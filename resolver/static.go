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
	"io"
	"time"
)

// NewStatic returns a resolver that resolves every name to the given fixed
// set of host:port addresses. The addresses are reported once, before New
// returns, and the task stays silent afterwards.
//
// Each call returns a distinct resolver, so two static resolvers with the
// same addresses are still different backends.
func NewStatic(hostPorts ...string) Resolver {
	addrs := make([]Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addrs[i] = Address{HostPort: hostPort}
	}
	return &staticResolver{addrs: addrs}
}

type staticResolver struct {
	addrs []Address
}

func (s *staticResolver) New(
	_ context.Context,
	_ string,
	receiver Receiver,
	_ <-chan struct{},
) io.Closer {
	addrs := make([]Address, len(s.addrs))
	copy(addrs, s.addrs)
	receiver.OnResolve(AddressSet{
		Addresses:  addrs,
		Revision:   1,
		ResolvedAt: time.Now(),
	})
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
