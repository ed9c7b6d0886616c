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
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/nsrouter/internal"
	"golang.org/x/time/rate"
)

const (
	defaultTTL                = 30 * time.Second
	defaultMinRefreshInterval = 5 * time.Second
	defaultPort               = "80"
)

// ErrGone is reported via [Receiver.OnResolveError] when a resolver has
// determined that a name no longer exists and it will not report on it again.
// It marks the end of the resolver's stream for that name.
var ErrGone = errors.New("name is gone")

// AddressFamilyPolicy is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyPolicy int

const (
	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4 AddressFamilyPolicy = iota

	// RequireIPv4 will result in only IPv4 addresses being used. If no IPv4
	// addresses are present, no addresses will be resolved.
	RequireIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6

	// RequireIPv6 will result in only IPv6 addresses being used. If no IPv6
	// addresses are present, no addresses will be resolved.
	RequireIPv6

	// UseBothIPv4AndIPv6 will result in all addresses being used, regardless
	// of their address family.
	UseBothIPv4AndIPv6
)

// Resolver is an interface for continuous name resolution. The router
// selects one Resolver per name and attaches to it for as long as the
// routing table keeps selecting it.
type Resolver interface {
	// New creates a continuous resolver task for the given name. When the
	// name is resolved into addresses, they are provided to the given
	// receiver.
	//
	// As new result sets arrive (since the set of addresses may change over
	// time), the receiver may be called repeatedly. Each time, the entire set
	// of addresses should be supplied. The receiver may be called before New
	// returns, which is how a resolver with a cached value can publish it
	// immediately.
	//
	// The resolver may report errors in addition to or instead of addresses,
	// but it should keep trying to resolve (and watch for changes), even in
	// the face of errors, until it is closed or the given context is
	// cancelled. The one exception is [ErrGone]: after reporting it, the task
	// must not call the receiver again.
	//
	// The refresh channel will receive signals hinting that new results may
	// be needed. This may be a no-op. The refresh channel will not be closed
	// until after Close() returns.
	//
	// The Close method on the return value should stop all goroutines and free
	// any resources before returning. After close returns, there should be no
	// subsequent calls to the receiver.
	New(
		ctx context.Context,
		name string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver is a client of a resolver and receives the resolved addresses.
type Receiver interface {
	// OnResolve is called when the set of addresses is resolved. It may be called
	// repeatedly as the set of addresses changes over time. Each call must always
	// supply the full set of resolved addresses (no deltas).
	OnResolve(AddressSet)
	// OnResolveError is called when resolution encounters an error. This can
	// happen at any time, including after addresses are initially resolved.
	// Reporting [ErrGone] ends the stream.
	OnResolveError(error)
}

// ResolveProber is an interface for types that provide single-shot name
// resolution.
type ResolveProber interface {
	// ResolveOnce resolves the given name once, returning a slice of
	// addresses. The second return value specifies the TTL of the result,
	// or 0 if there is no known TTL value.
	//
	// The resolved addresses should have ports. If the provided name does
	// not contain a port, a default port should be added.
	ResolveOnce(
		ctx context.Context,
		name string,
	) (
		results []Address,
		ttl time.Duration,
		err error,
	)
}

// Address contains a resolved address to a host.
type Address struct {
	// HostPort stores the host:port pair of the resolved address.
	HostPort string

	// Priority and Weight are copied from SRV records when the address was
	// resolved from one. They are zero otherwise.
	Priority uint16
	Weight   uint16
}

// AddressSet is the full set of addresses a name resolved to at one point
// in time, together with a freshness marker supplied by the resolver.
type AddressSet struct {
	Addresses []Address

	// Revision is a monotonically increasing counter maintained by the
	// resolver task that produced this set. Zero means unknown.
	Revision uint64

	// ResolvedAt is when the resolver obtained this set. The zero value
	// means unknown.
	ResolvedAt time.Time
}

// Normalize returns a copy of the set whose addresses are sorted by HostPort,
// with duplicate HostPort entries removed (the first occurrence after sorting
// by priority is kept).
func (s AddressSet) Normalize() AddressSet {
	addrs := make([]Address, len(s.Addresses))
	copy(addrs, s.Addresses)
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].HostPort != addrs[j].HostPort {
			return addrs[i].HostPort < addrs[j].HostPort
		}
		return addrs[i].Priority < addrs[j].Priority
	})
	deduped := addrs[:0]
	for i, addr := range addrs {
		if i > 0 && addr.HostPort == deduped[len(deduped)-1].HostPort {
			continue
		}
		deduped = append(deduped, addr)
	}
	s.Addresses = deduped
	return s
}

// SameAddresses returns true if both sets contain the same addresses in the
// same order. The freshness marker is not compared.
func (s AddressSet) SameAddresses(other AddressSet) bool {
	if len(s.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range s.Addresses {
		if s.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	return true
}

// Option configures the resolvers created by [NewPollingResolver] and
// [NewDNSResolver].
type Option interface {
	apply(*options)
}

// WithDefaultTTL configures the TTL used when a prober does not return
// one. The default is 30 seconds.
func WithDefaultTTL(ttl time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.defaultTTL = ttl
	})
}

// WithMinRefreshInterval configures the minimum time between probes that
// are triggered by refresh signals. Refresh signals that arrive sooner are
// delayed until the interval has elapsed. The default is 5 seconds. A value
// of zero disables the limit.
func WithMinRefreshInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.minRefreshInterval = interval
	})
}

// WithDefaultPort configures the port that the DNS resolver appends to
// host names that carry no port. The default is 80.
func WithDefaultPort(port uint16) Option {
	return optionFunc(func(opts *options) {
		opts.defaultPort = strconv.Itoa(int(port))
	})
}

type options struct {
	defaultTTL         time.Duration
	minRefreshInterval time.Duration
	defaultPort        string
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

func newOptions(opts []Option) options {
	result := options{
		defaultTTL:         defaultTTL,
		minRefreshInterval: defaultMinRefreshInterval,
		defaultPort:        defaultPort,
	}
	for _, opt := range opts {
		opt.apply(&result)
	}
	return result
}

// NewDNSResolver creates a new resolver that resolves DNS names. The
// specified address family policy value can be used to require or prefer
// either IPv4 or IPv6 addresses.
//
// Host names are looked up with A/AAAA queries and combined with the name's
// port, or the default port if the name has none. Service names, which start
// with an underscore (e.g. "_http._tcp.example.com"), are looked up with an
// SRV query and take their ports from the SRV records.
//
// Note that because net.Resolver does not expose the record TTL values, this
// resolver uses the default TTL (see [WithDefaultTTL]).
func NewDNSResolver(
	resolver *net.Resolver,
	policy AddressFamilyPolicy,
	opts ...Option,
) Resolver {
	resolved := newOptions(opts)
	return newPollingResolver(
		&dnsResolveProber{
			resolver:    resolver,
			policy:      policy,
			defaultPort: resolved.defaultPort,
		},
		resolved,
	)
}

// NewPollingResolver creates a new resolver that polls an underlying
// single-shot resolver whenever the result-set TTL expires. If the underlying
// resolver does not return a TTL with the result-set, the default TTL is used.
func NewPollingResolver(
	prober ResolveProber,
	opts ...Option,
) Resolver {
	return newPollingResolver(prober, newOptions(opts))
}

func newPollingResolver(prober ResolveProber, opts options) *pollingResolver {
	return &pollingResolver{
		prober:             prober,
		defaultTTL:         opts.defaultTTL,
		minRefreshInterval: opts.minRefreshInterval,
		clock:              internal.NewRealClock(),
	}
}

type dnsResolveProber struct {
	resolver    *net.Resolver
	policy      AddressFamilyPolicy
	defaultPort string
}

func (r *dnsResolveProber) ResolveOnce(
	ctx context.Context,
	name string,
) ([]Address, time.Duration, error) {
	if strings.HasPrefix(name, "_") {
		return r.resolveService(ctx, name)
	}
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		// Assume this is not a host:port pair.
		host = name
		port = r.defaultPort
	}
	network := "ip"
	switch r.policy {
	case RequireIPv4:
		network = "ip4"
	case RequireIPv6:
		network = "ip6"
	case PreferIPv4, PreferIPv6, UseBothIPv4AndIPv6:
	}
	addresses, err := r.resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, 0, err
	}
	switch r.policy {
	case PreferIPv4:
		ip4Addresses := addresses[:0:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	case RequireIPv4, RequireIPv6, UseBothIPv4AndIPv6:
	}
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.Unmap().String(), port)
	}
	return result, 0, nil
}

func (r *dnsResolveProber) resolveService(ctx context.Context, name string) ([]Address, time.Duration, error) {
	_, records, err := r.resolver.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil, 0, err
	}
	result := make([]Address, len(records))
	for i, record := range records {
		result[i] = Address{
			HostPort: net.JoinHostPort(strings.TrimSuffix(record.Target, "."), strconv.Itoa(int(record.Port))),
			Priority: record.Priority,
			Weight:   record.Weight,
		}
	}
	return result, 0, nil
}

type pollingResolver struct {
	prober             ResolveProber
	defaultTTL         time.Duration
	minRefreshInterval time.Duration
	clock              internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	name string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	limit := rate.Inf
	if pr.minRefreshInterval > 0 {
		limit = rate.Every(pr.minRefreshInterval)
	}
	res := &pollingResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		limiter:    rate.NewLimiter(limit, 1),
		resolver:   pr,
	}
	go res.run(ctx, name, receiver)
	return res
}

type pollingResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	limiter    *rate.Limiter
	resolver   *pollingResolver
	revision   uint64
}

func (task *pollingResolverTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingResolverTask) run(ctx context.Context, name string, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	clock := task.resolver.clock
	timer := internal.NewStoppedTimer(clock)
	task.limiter.ReserveN(clock.Now(), 1)

	for {
		addresses, ttl, err := task.resolver.prober.ResolveOnce(ctx, name)
		if ctx.Err() != nil {
			internal.StopTimer(timer)
			return
		}
		if err != nil {
			receiver.OnResolveError(err)
		} else {
			task.revision++
			receiver.OnResolve(AddressSet{
				Addresses:  addresses,
				Revision:   task.revision,
				ResolvedAt: clock.Now(),
			})
		}

		if ttl == 0 {
			ttl = task.resolver.defaultTTL
		}
		timer.Reset(ttl)

		select {
		case <-ctx.Done():
			internal.StopTimer(timer)
			return
		case <-timer.Chan():
			// Keep the limiter in step with probes that were not
			// triggered by a refresh.
			task.limiter.ReserveN(clock.Now(), 1)
		case <-task.refreshCh:
			now := clock.Now()
			if delay := task.limiter.ReserveN(now, 1).DelayFrom(now); delay > 0 {
				// Too soon after the last probe. The TTL timer keeps running
				// while we wait out the remainder of the interval.
				wait := clock.NewTimer(delay)
				select {
				case <-ctx.Done():
					internal.StopTimer(wait)
					internal.StopTimer(timer)
					return
				case <-wait.Chan():
				}
			}
			internal.StopTimer(timer)
		}
	}
}
