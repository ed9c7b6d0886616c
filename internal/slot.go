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
	"sync"
)

// Slot is a single-value mailbox that only retains the most recently
// published value. Publishing never blocks. A reader that falls behind skips
// intermediate values but never observes them out of order, since every
// value is stamped with a monotonically increasing sequence number.
type Slot[T any] struct {
	mu sync.Mutex
	// +checklocks:mu
	value T
	// +checklocks:mu
	seq uint64
	// +checklocks:mu
	err error
	// changed is closed and replaced on every publish, waking all waiters.
	// Once the slot is closed it stays closed.
	// +checklocks:mu
	changed chan struct{}
}

// NewSlot returns an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{changed: make(chan struct{})}
}

// Publish replaces the slot's value. It returns false if the slot was
// already closed, in which case the value is discarded.
func (s *Slot[T]) Publish(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.value = value
	s.seq++
	close(s.changed)
	s.changed = make(chan struct{})
	return true
}

// CloseWithError closes the slot. Values published before the slot was
// closed can still be read; after that, Wait returns err. Only the first
// call has an effect.
func (s *Slot[T]) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.changed)
}

// Load returns the latest value and its sequence number. The sequence
// number is zero if nothing was ever published.
func (s *Slot[T]) Load() (T, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.seq
}

// Wait blocks until a value newer than the given sequence number is
// available, the slot is closed, or ctx is done.
func (s *Slot[T]) Wait(ctx context.Context, after uint64) (T, uint64, error) {
	for {
		s.mu.Lock()
		value, seq, err, changed := s.value, s.seq, s.err, s.changed
		s.mu.Unlock()
		if seq > after {
			return value, seq, nil
		}
		var zero T
		if err != nil {
			return zero, seq, err
		}
		select {
		case <-ctx.Done():
			return zero, after, ctx.Err()
		case <-changed:
		}
	}
}
