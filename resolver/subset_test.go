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
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubsetterValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSubsetter(NewStatic("10.0.0.1:80"), SubsetConfig{})
	require.Error(t, err)
	res, err := NewSubsetter(NewStatic("10.0.0.1:80"), SubsetConfig{Size: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, res.(*subsetResolver).key)
}

func TestSubsetterIsConsistent(t *testing.T) {
	t.Parallel()

	hostPorts := make([]string, 20)
	for i := range hostPorts {
		hostPorts[i] = fmt.Sprintf("10.0.0.%d:80", i+1)
	}
	first := resolveSubset(t, hostPorts, SubsetConfig{Size: 5, Key: "host-a"})
	require.Len(t, first, 5)

	// Order of the input does not matter.
	reversed := make([]string, len(hostPorts))
	for i, hostPort := range hostPorts {
		reversed[len(hostPorts)-1-i] = hostPort
	}
	assert.ElementsMatch(t, first, resolveSubset(t, reversed, SubsetConfig{Size: 5, Key: "host-a"}))

	// Removing an address that was not kept changes nothing; removing one
	// that was kept replaces only that one.
	var notKept, kept []string
	for _, hostPort := range hostPorts {
		if slices.Contains(first, hostPort) {
			kept = append(kept, hostPort)
		} else {
			notKept = append(notKept, hostPort)
		}
	}
	assert.ElementsMatch(t, first, resolveSubset(t, without(hostPorts, notKept[0]), SubsetConfig{Size: 5, Key: "host-a"}))
	shrunk := resolveSubset(t, without(hostPorts, kept[0]), SubsetConfig{Size: 5, Key: "host-a"})
	require.Len(t, shrunk, 5)
	for _, hostPort := range kept[1:] {
		assert.Contains(t, shrunk, hostPort)
	}

	// Fewer addresses than the subset size are passed through.
	assert.ElementsMatch(t, hostPorts[:3], resolveSubset(t, hostPorts[:3], SubsetConfig{Size: 5, Key: "host-a"}))
}

func TestSubsetterSpreadsKeys(t *testing.T) {
	t.Parallel()

	hostPorts := make([]string, 10)
	for i := range hostPorts {
		hostPorts[i] = fmt.Sprintf("10.0.0.%d:80", i+1)
	}
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		for _, hostPort := range resolveSubset(t, hostPorts, SubsetConfig{Size: 2, Key: fmt.Sprintf("host-%d", i)}) {
			counts[hostPort]++
		}
	}
	// Every address is picked by some keys.
	assert.Len(t, counts, len(hostPorts))
}

func resolveSubset(t *testing.T, hostPorts []string, config SubsetConfig) []string {
	t.Helper()
	res, err := NewSubsetter(NewStatic(hostPorts...), config)
	require.NoError(t, err)
	var got []string
	task := res.New(context.Background(), "ignored", testReceiver{
		onResolve: func(set AddressSet) {
			got = got[:0]
			for _, addr := range set.Addresses {
				got = append(got, addr.HostPort)
			}
		},
		onResolveError: func(err error) {
			t.Errorf("unexpected error: %v", err)
		},
	}, nil)
	require.NoError(t, task.Close())
	return got
}

func without(list []string, value string) []string {
	var result []string
	for _, item := range list {
		if item != value {
			result = append(result, item)
		}
	}
	return result
}
