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

package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKeepsLatest(t *testing.T) {
	t.Parallel()
	slot := NewSlot[int]()
	_, seq := slot.Load()
	assert.Zero(t, seq)

	require.True(t, slot.Publish(1))
	require.True(t, slot.Publish(2))
	require.True(t, slot.Publish(3))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	value, seq, err := slot.Wait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, value)
	assert.Equal(t, uint64(3), seq)
}

func TestSlotWaitBlocksUntilPublish(t *testing.T) {
	t.Parallel()
	slot := NewSlot[string]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	result := make(chan string, 1)
	go func() {
		value, _, err := slot.Wait(ctx, 0)
		if err == nil {
			result <- value
		}
		close(result)
	}()
	slot.Publish("hello")
	select {
	case value := <-result:
		assert.Equal(t, "hello", value)
	case <-ctx.Done():
		t.Fatal("waiter was not woken")
	}
}

func TestSlotClose(t *testing.T) {
	t.Parallel()
	errDone := errors.New("done")
	slot := NewSlot[int]()
	slot.Publish(7)
	slot.CloseWithError(errDone)
	slot.CloseWithError(errors.New("ignored"))
	assert.False(t, slot.Publish(8))

	ctx := context.Background()
	value, seq, err := slot.Wait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	_, _, err = slot.Wait(ctx, seq)
	assert.ErrorIs(t, err, errDone)
}

func TestSlotWaitContext(t *testing.T) {
	t.Parallel()
	slot := NewSlot[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := slot.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
