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
	"log/slog"
	"sync/atomic"

	"github.com/bufbuild/nsrouter/internal"
	"github.com/bufbuild/nsrouter/stats"
	"github.com/google/uuid"
)

// Subscription is a consumer's handle on a stream of updates for a name or
// a list of names. Only the latest update is retained: a consumer that
// falls behind skips intermediate updates, but never sees them out of
// order.
type Subscription struct {
	id     string
	kind   stats.SubscriptionKind
	router *Router
	logger *slog.Logger
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	slot   *internal.Slot[Update]
	done   chan struct{}

	tableVersion atomic.Uint64
	lastSeq      atomic.Uint64
	refresh      func()
	err          error
}

func newSubscription(ctx context.Context, router *Router, kind stats.SubscriptionKind) *Subscription {
	id := uuid.NewString()
	sub := &Subscription{
		id:     id,
		kind:   kind,
		router: router,
		logger: router.logger.With(slog.String("subscription", id)),
		slot:   internal.NewSlot[Update](),
		done:   make(chan struct{}),
	}
	sub.ctx, sub.cancel = context.WithCancel(ctx)
	return sub
}

// ID returns the subscription's unique identifier, which is also attached
// to its log records.
func (s *Subscription) ID() string {
	return s.id
}

// Next returns the newest update that this method has not returned yet,
// waiting for one if necessary. Once the subscription has ended and its
// last update was returned, Next returns ErrSubscriptionClosed, or
// ErrRouterClosed if the subscription ended because its router was closed.
// If ctx is done first, Next returns ctx.Err().
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	update, seq, err := s.slot.Wait(ctx, s.lastSeq.Load())
	if err != nil {
		return Update{}, err
	}
	for {
		last := s.lastSeq.Load()
		if seq <= last || s.lastSeq.CompareAndSwap(last, seq) {
			break
		}
	}
	return update, nil
}

// Latest returns the newest update without waiting. The second return
// value is false if nothing was published yet.
func (s *Subscription) Latest() (Update, bool) {
	update, seq := s.slot.Load()
	return update, seq > 0
}

// TableVersion returns the version of the routing table the subscription
// is currently evaluated against. It may be ahead of the version of the
// latest update: a new table that selects the same resolvers, or whose new
// resolvers have not reported yet, does not produce an update.
func (s *Subscription) TableVersion() uint64 {
	return s.tableVersion.Load()
}

// ResolveNow hints the backends of the subscription that new results may
// be needed. It never blocks.
func (s *Subscription) ResolveNow() {
	if s.refresh != nil {
		s.refresh()
	}
}

// Done returns a channel that is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription. It returns once the subscription no longer
// follows table changes. Its backends are released in the background.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Subscription) publish(update Update) {
	if !s.slot.Publish(update) {
		return
	}
	s.router.handleEvent(&stats.UpdatePublished{
		ID:           s.id,
		Kind:         s.kind,
		TableVersion: update.TableVersion,
		Addresses:    len(update.Addresses),
	})
}

func (s *Subscription) finish(err error) {
	s.err = err
	s.slot.CloseWithError(err)
	s.cancel()
	close(s.done)
}
