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
	"sort"
	"strings"

	"github.com/bufbuild/nsrouter/resolver"
)

// Rule binds a Pattern to the resolver that handles the names it matches.
type Rule struct {
	Pattern  Pattern
	Resolver resolver.Resolver

	index int
}

// Index returns the rule's registration order within its table. The
// default rule returned by Table.Match has index -1.
func (r Rule) Index() int {
	return r.index
}

// IsDefault returns true for the rule that stands for a table's default
// resolver.
func (r Rule) IsDefault() bool {
	return r.index < 0
}

func (r Rule) String() string {
	if r.IsDefault() {
		return "default"
	}
	return r.Pattern.String()
}

// Table is an immutable routing table: an ordered list of rules plus an
// optional default resolver. Use a TableBuilder to create one and
// Router.Configure to install it.
//
// A Table may be installed more than once and shared by several routers.
type Table struct {
	rules           []Rule
	exact           map[string]int
	suffixes        map[string]int
	wildcards       []int
	defaultResolver resolver.Resolver
	err             error
}

// EmptyTable returns a table without rules or default resolver. Every
// name is NotFound under it.
func EmptyTable() *Table {
	return NewTableBuilder().Build()
}

// Match selects the resolver for the given name. Exact rules take
// precedence over suffix rules, which take precedence over wildcard rules.
// Among suffix rules the one with the most labels wins, and among wildcard
// rules the one with the most literal characters wins. Remaining ties go to
// the rule registered last. If no rule matches, the default resolver is
// used. If there is none, the returned error wraps ErrNotFound.
//
// Match is deterministic and safe for concurrent use.
func (t *Table) Match(name Name) (resolver.Resolver, Rule, error) {
	host := name.Host()
	if i, ok := t.exact[host]; ok {
		return t.rules[i].Resolver, t.rules[i], nil
	}
	for suffix := host; ; {
		if i, ok := t.suffixes[suffix]; ok {
			return t.rules[i].Resolver, t.rules[i], nil
		}
		dot := strings.IndexByte(suffix, '.')
		if dot < 0 {
			break
		}
		suffix = suffix[dot+1:]
	}
	for _, i := range t.wildcards {
		if t.rules[i].Pattern.Matches(host) {
			return t.rules[i].Resolver, t.rules[i], nil
		}
	}
	if t.defaultResolver != nil {
		return t.defaultResolver, Rule{Resolver: t.defaultResolver, index: -1}, nil
	}
	return nil, Rule{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Rules returns the table's rules in registration order.
func (t *Table) Rules() []Rule {
	rules := make([]Rule, len(t.rules))
	copy(rules, t.rules)
	return rules
}

// Default returns the table's default resolver, or nil.
func (t *Table) Default() resolver.Resolver {
	return t.defaultResolver
}

// Validate returns a *ConfigurationError if the table can not be installed.
// A nil table is invalid.
func (t *Table) Validate() error {
	if t == nil {
		return configErrorf("nil table")
	}
	return t.err
}

// TableBuilder accumulates rules for a new Table. The zero value is not
// usable; use NewTableBuilder.
type TableBuilder struct {
	rules           []Rule
	defaultResolver resolver.Resolver
	errs            []error
}

// NewTableBuilder returns a builder for an empty table.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{}
}

// Add parses the given pattern and registers a rule binding it to r.
// Invalid patterns and nil resolvers are reported by the built table's
// Validate method.
func (b *TableBuilder) Add(pattern string, r resolver.Resolver) *TableBuilder {
	parsed, err := ParsePattern(pattern)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	return b.AddPattern(parsed, r)
}

// AddPattern registers a rule binding the given pattern to r.
func (b *TableBuilder) AddPattern(pattern Pattern, r resolver.Resolver) *TableBuilder {
	switch {
	case pattern.text == "":
		b.errs = append(b.errs, errors.New("empty pattern"))
	case r == nil:
		b.errs = append(b.errs, fmt.Errorf("pattern %q: nil resolver", pattern))
	default:
		b.rules = append(b.rules, Rule{Pattern: pattern, Resolver: r, index: len(b.rules)})
	}
	return b
}

// Default sets the resolver used for names that no rule matches.
// Passing nil removes it.
func (b *TableBuilder) Default(r resolver.Resolver) *TableBuilder {
	b.defaultResolver = r
	return b
}

// Build returns a new Table holding the rules added so far. The builder
// may be reused afterwards without affecting the returned table. If any
// rule was invalid, the table's Validate method reports it and the table
// can not be installed.
func (b *TableBuilder) Build() *Table {
	table := &Table{
		rules:           make([]Rule, len(b.rules)),
		exact:           map[string]int{},
		suffixes:        map[string]int{},
		defaultResolver: b.defaultResolver,
	}
	copy(table.rules, b.rules)
	if len(b.errs) > 0 {
		table.err = &ConfigurationError{Reason: errors.Join(b.errs...).Error()}
	}
	for i, rule := range table.rules {
		// Later registrations overwrite earlier ones.
		switch rule.Pattern.kind {
		case PatternExact:
			table.exact[rule.Pattern.value] = i
		case PatternSuffix:
			table.suffixes[rule.Pattern.value] = i
		case PatternWildcard:
			table.wildcards = append(table.wildcards, i)
		}
	}
	sort.SliceStable(table.wildcards, func(i, j int) bool {
		a, b := table.rules[table.wildcards[i]], table.rules[table.wildcards[j]]
		if a.Pattern.weight != b.Pattern.weight {
			return a.Pattern.weight > b.Pattern.weight
		}
		return a.index > b.index
	})
	return table
}
