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
	"net"
	"path"
	"strconv"
	"strings"
	"unicode"
)

const maxHostLength = 253

// Name identifies what a consumer wants resolved. It is a host name, a
// host:port pair, or a service name such as "_http._tcp.example.org".
// Use ParseName to obtain a normalized Name.
type Name string

// ParseName validates and normalizes the given string into a Name. The
// host part is lower-cased and a single trailing dot is removed. A port,
// if present, must be numeric.
func ParseName(s string) (Name, error) {
	host, port := splitHostPort(strings.ToLower(strings.TrimSpace(s)))
	host = strings.TrimSuffix(host, ".")
	if err := validateHost(host); err != nil {
		return "", fmt.Errorf("invalid name %q: %w", s, err)
	}
	if port == "" {
		return Name(host), nil
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid name %q: bad port %q", s, port)
	}
	return Name(net.JoinHostPort(host, port)), nil
}

// MustParseName is like ParseName but panics if the name is invalid. It
// is intended for tests and package-level variables.
func MustParseName(s string) Name {
	name, err := ParseName(s)
	if err != nil {
		panic(err) //nolint:forbidigo
	}
	return name
}

// Host returns the part of the name that routing rules are matched
// against, which is the name without its port.
func (n Name) Host() string {
	host, _ := splitHostPort(string(n))
	return host
}

// Port returns the name's port, or the empty string if it has none.
func (n Name) Port() string {
	_, port := splitHostPort(string(n))
	return port
}

// IsService returns true for service names, whose first label starts
// with an underscore.
func (n Name) IsService() bool {
	return strings.HasPrefix(string(n), "_")
}

func (n Name) String() string {
	return string(n)
}

func splitHostPort(s string) (host, port string) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		return host, port
	}
	return s, ""
}

func validateHost(host string) error {
	switch {
	case host == "":
		return errors.New("empty host")
	case len(host) > maxHostLength:
		return fmt.Errorf("host longer than %d characters", maxHostLength)
	case strings.IndexFunc(host, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return errors.New("host contains whitespace")
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return errors.New("host has an empty label")
		}
	}
	return nil
}

// PatternKind is the kind of a routing Pattern. Kinds are listed in order
// of decreasing precedence.
type PatternKind int

const (
	// PatternExact matches one host name.
	PatternExact PatternKind = iota
	// PatternSuffix matches a domain and every name below it.
	PatternSuffix
	// PatternWildcard matches host names with a shell-style glob.
	PatternWildcard
)

func (k PatternKind) String() string {
	switch k {
	case PatternExact:
		return "exact"
	case PatternSuffix:
		return "suffix"
	case PatternWildcard:
		return "wildcard"
	default:
		return "PatternKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Pattern selects the names a routing rule applies to.
// Use ParsePattern to create one.
type Pattern struct {
	kind  PatternKind
	text  string
	value string
	// Specificity within the kind: labels of a suffix, literal
	// characters of a wildcard.
	weight int
}

// ParsePattern parses a routing pattern. The accepted forms are:
//
//   - "api.example.org" matches exactly that host.
//   - "*.example.org" and ".example.org" match "example.org" and every
//     name below it.
//   - any other pattern containing '*', '?' or '[' is a glob, matched
//     against the whole host with the rules of [path.Match]. A '*' may
//     span dots.
//
// Patterns are case-insensitive and a single trailing dot is ignored.
func ParsePattern(s string) (Pattern, error) {
	text := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
	if text == "" {
		return Pattern{}, fmt.Errorf("invalid pattern %q: empty", s)
	}
	var suffix string
	switch {
	case strings.HasPrefix(text, "*."):
		suffix = text[2:]
	case strings.HasPrefix(text, "."):
		suffix = text[1:]
	}
	if suffix != "" && !hasGlobMeta(suffix) {
		if err := validateHost(suffix); err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		return Pattern{
			kind:   PatternSuffix,
			text:   text,
			value:  suffix,
			weight: strings.Count(suffix, ".") + 1,
		}, nil
	}
	if hasGlobMeta(text) {
		if _, err := path.Match(text, ""); err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		return Pattern{
			kind:   PatternWildcard,
			text:   text,
			value:  text,
			weight: countLiterals(text),
		}, nil
	}
	if err := validateHost(text); err != nil {
		return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
	}
	return Pattern{kind: PatternExact, text: text, value: text}, nil
}

// MustParsePattern is like ParsePattern but panics if the pattern is
// invalid.
func MustParsePattern(s string) Pattern {
	pattern, err := ParsePattern(s)
	if err != nil {
		panic(err) //nolint:forbidigo
	}
	return pattern
}

// Kind returns the kind of the pattern.
func (p Pattern) Kind() PatternKind {
	return p.kind
}

// String returns the normalized pattern text.
func (p Pattern) String() string {
	return p.text
}

// Matches returns true if the pattern applies to the given host.
func (p Pattern) Matches(host string) bool {
	switch p.kind {
	case PatternExact:
		return host == p.value
	case PatternSuffix:
		return host == p.value || strings.HasSuffix(host, "."+p.value)
	case PatternWildcard:
		matched, _ := path.Match(p.value, host)
		return matched
	default:
		return false
	}
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// countLiterals counts the characters of a glob that must match exactly.
// A bracket expression counts as one.
func countLiterals(glob string) int {
	var count int
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*', '?':
		case '[':
			for i < len(glob) && glob[i] != ']' {
				i++
			}
			count++
		case '\\':
			i++
			count++
		default:
			count++
		}
	}
	return count
}
