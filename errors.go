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
	"errors"
	"fmt"
)

var (
	// ErrNotFound is reported for a name that no rule of the active table
	// matches while the table has no default resolver.
	ErrNotFound = errors.New("no resolver matches name")
	// ErrResolverFailure is the sentinel wrapped by every *ResolverError.
	ErrResolverFailure = errors.New("resolver failure")
	// ErrStale is reported when a backend has been silent for longer than
	// the configured stale threshold.
	ErrStale = errors.New("resolution is stale")
	// ErrConfigurationInvalid is the sentinel wrapped by every
	// *ConfigurationError.
	ErrConfigurationInvalid = errors.New("invalid configuration")
	// ErrRouterClosed is returned by operations on a closed router, and by
	// subscriptions that were ended because their router was closed.
	ErrRouterClosed = errors.New("router is closed")
	// ErrSubscriptionClosed is returned by a subscription that was closed by
	// its consumer, whose context was cancelled, or whose list source ended.
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// ResolverError is a failure reported by the backend resolver of a name.
// The last known addresses of the name are kept while it is in effect.
type ResolverError struct {
	Name Name
	Err  error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolving %q: %v", e.Name, e.Err)
}

// Unwrap returns both the resolver's own error and ErrResolverFailure, so
// callers can test for either with errors.Is.
func (e *ResolverError) Unwrap() []error {
	return []error{ErrResolverFailure, e.Err}
}

// ConfigurationError is returned by Router.Configure when a table is
// rejected. The previously active table stays in effect.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConfigurationInvalid, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigurationInvalid
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
