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

// Package config loads routing tables from YAML documents such as:
//
//	default: dns
//	resolvers:
//	  dns:
//	    type: dns
//	    network: ip
//	    ttl: 30s
//	    subset: {size: 3}
//	  consul:
//	    type: static
//	    addresses: ["10.0.0.1:8500"]
//	rules:
//	  - pattern: "*.consul"
//	    resolver: consul
//	  - pattern: example.org
//	    addresses: ["127.0.0.2:8080"]
//
// A rule names a declared resolver, or lists addresses for an inline static
// resolver. Resolvers are created by a Registry, which keeps resolver
// instances stable across reloads for as long as their definition is
// unchanged, so that reloading a file does not churn resolver tasks.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/bufbuild/nsrouter"
	"github.com/bufbuild/nsrouter/resolver"
	"gopkg.in/yaml.v3"
)

// File is the YAML document describing a routing table.
type File struct {
	// Default names the resolver used for names that no rule matches.
	// Optional.
	Default   string                  `yaml:"default"`
	Resolvers map[string]ResolverSpec `yaml:"resolvers"`
	Rules     []RuleSpec              `yaml:"rules"`
}

// ResolverSpec declares a resolver. Which fields apply depends on Type.
type ResolverSpec struct {
	// Type selects the Factory; "dns" and "static" are built in.
	Type string `yaml:"type"`

	// Network is the address family policy of a dns resolver: "ip" (the
	// default, prefers IPv4), "ip4", "ip6", "prefer-ip6" or "dual".
	Network string `yaml:"network,omitempty"`
	// TTL is how long dns results are used before polling again.
	TTL Duration `yaml:"ttl,omitempty"`
	// MinRefreshInterval limits how often refresh hints cause a dns poll.
	MinRefreshInterval Duration `yaml:"minRefreshInterval,omitempty"`
	// DefaultPort is added to dns names that carry no port.
	DefaultPort uint16 `yaml:"defaultPort,omitempty"`

	// Addresses are the host:port pairs of a static resolver.
	Addresses []string `yaml:"addresses,omitempty"`

	// Options holds settings for custom resolver types.
	Options map[string]string `yaml:"options,omitempty"`

	// Subset, if set, limits every name to a consistent subset of the
	// addresses the resolver reports. It applies to every type.
	Subset *SubsetSpec `yaml:"subset,omitempty"`
}

// SubsetSpec configures address subsetting. See resolver.NewSubsetter.
type SubsetSpec struct {
	Size int    `yaml:"size"`
	Key  string `yaml:"key,omitempty"`
}

// RuleSpec binds a pattern to a resolver. Exactly one of Resolver and
// Addresses must be set.
type RuleSpec struct {
	Pattern   string   `yaml:"pattern"`
	Resolver  string   `yaml:"resolver,omitempty"`
	Addresses []string `yaml:"addresses,omitempty"`
}

// Duration is a time.Duration written in YAML as a string such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %q", value.Line, text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Factory creates a resolver from its declaration.
type Factory func(spec ResolverSpec) (resolver.Resolver, error)

// Registry creates the resolvers that configuration files declare. It
// remembers the resolvers it created for the most recent successful Build,
// and hands out the same instance again when a later Build declares a
// resolver with the same name and definition.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu sync.Mutex
	// +checklocks:mu
	factories map[string]Factory
	// +checklocks:mu
	cache map[string]cachedResolver
}

type cachedResolver struct {
	spec     ResolverSpec
	resolver resolver.Resolver
}

// NewRegistry returns a registry with the built-in "dns" and "static"
// resolver types.
func NewRegistry() *Registry {
	registry := &Registry{
		factories: map[string]Factory{},
		cache:     map[string]cachedResolver{},
	}
	registry.Register("dns", newDNSResolver)
	registry.Register("static", newStaticResolver)
	return registry
}

// Register adds or replaces the factory for a resolver type.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Parse decodes a YAML document and builds its routing table.
func (r *Registry) Parse(data []byte) (*nsrouter.Table, error) {
	file, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return r.Build(file)
}

// Load reads and parses the YAML document at path.
func (r *Registry) Load(path string) (*nsrouter.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing config: %w", err)
	}
	return r.Parse(data)
}

// Build creates a routing table from a decoded document. Every error it
// returns wraps nsrouter.ErrConfigurationInvalid.
func (r *Registry) Build(file *File) (*nsrouter.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := map[string]cachedResolver{}
	lookup := func(key string, spec ResolverSpec) (resolver.Resolver, error) {
		if cached, ok := created[key]; ok {
			return cached.resolver, nil
		}
		if cached, ok := r.cache[key]; ok && reflect.DeepEqual(cached.spec, spec) {
			created[key] = cached
			return cached.resolver, nil
		}
		factory, ok := r.factories[spec.Type]
		if !ok {
			return nil, invalidf("resolver %q: unknown type %q", key, spec.Type)
		}
		res, err := factory(spec)
		if err == nil && spec.Subset != nil {
			res, err = resolver.NewSubsetter(res, resolver.SubsetConfig{
				Size: spec.Subset.Size,
				Key:  spec.Subset.Key,
			})
		}
		if err != nil {
			return nil, invalidf("resolver %q: %v", key, err)
		}
		created[key] = cachedResolver{spec: spec, resolver: res}
		return res, nil
	}
	named := func(name string) (resolver.Resolver, error) {
		spec, ok := file.Resolvers[name]
		if !ok {
			return nil, invalidf("unknown resolver %q", name)
		}
		return lookup("resolver:"+name, spec)
	}

	builder := nsrouter.NewTableBuilder()
	if file.Default != "" {
		res, err := named(file.Default)
		if err != nil {
			return nil, err
		}
		builder.Default(res)
	}
	for i, rule := range file.Rules {
		pattern, err := nsrouter.ParsePattern(rule.Pattern)
		if err != nil {
			return nil, invalidf("rule %d: %v", i, err)
		}
		var res resolver.Resolver
		switch {
		case rule.Resolver != "" && len(rule.Addresses) > 0:
			return nil, invalidf("rule %d (%s): both resolver and addresses are set", i, pattern)
		case rule.Resolver != "":
			res, err = named(rule.Resolver)
		case len(rule.Addresses) > 0:
			res, err = lookup("rule:"+pattern.String(), ResolverSpec{Type: "static", Addresses: rule.Addresses})
		default:
			return nil, invalidf("rule %d (%s): neither resolver nor addresses are set", i, pattern)
		}
		if err != nil {
			return nil, err
		}
		builder.AddPattern(pattern, res)
	}
	table := builder.Build()
	if err := table.Validate(); err != nil {
		return nil, err
	}
	r.cache = created
	return table, nil
}

// Decode reads a YAML document. Unknown fields are rejected.
func Decode(reader io.Reader) (*File, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var file File
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty document is an empty table.
			return &file, nil
		}
		return nil, invalidf("decoding routing config: %v", err)
	}
	return &file, nil
}

func newDNSResolver(spec ResolverSpec) (resolver.Resolver, error) {
	var policy resolver.AddressFamilyPolicy
	switch spec.Network {
	case "", "ip":
		policy = resolver.PreferIPv4
	case "ip4":
		policy = resolver.RequireIPv4
	case "ip6":
		policy = resolver.RequireIPv6
	case "prefer-ip6":
		policy = resolver.PreferIPv6
	case "dual":
		policy = resolver.UseBothIPv4AndIPv6
	default:
		return nil, fmt.Errorf("unknown network %q", spec.Network)
	}
	var opts []resolver.Option
	if spec.TTL > 0 {
		opts = append(opts, resolver.WithDefaultTTL(time.Duration(spec.TTL)))
	}
	if spec.MinRefreshInterval > 0 {
		opts = append(opts, resolver.WithMinRefreshInterval(time.Duration(spec.MinRefreshInterval)))
	}
	if spec.DefaultPort > 0 {
		opts = append(opts, resolver.WithDefaultPort(spec.DefaultPort))
	}
	return resolver.NewDNSResolver(net.DefaultResolver, policy, opts...), nil
}

func newStaticResolver(spec ResolverSpec) (resolver.Resolver, error) {
	if len(spec.Addresses) == 0 {
		return nil, errors.New("no addresses")
	}
	for _, addr := range spec.Addresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("address %q: %w", addr, err)
		}
	}
	return resolver.NewStatic(spec.Addresses...), nil
}

func invalidf(format string, args ...any) error {
	return &nsrouter.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
