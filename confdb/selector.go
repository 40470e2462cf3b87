// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package confdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leasecore/leasecore/lease"
)

// SelectorKind discriminates the server selector variants.
type SelectorKind int

// Selector variants. Unassigned scopes nothing and is rejected by most
// operations; Any is a read-only wildcard across every tag.
const (
	SelectorUnassigned SelectorKind = iota
	SelectorAll
	SelectorOne
	SelectorMultiple
	SelectorAny
)

// TagAll is the reserved tag naming "every server".
const TagAll = "all"

// ServerSelector scopes configuration reads and writes to a subset of the
// configured servers.
type ServerSelector struct {
	kind SelectorKind
	tags []string
}

// Unassigned returns the selector that scopes nothing.
func Unassigned() ServerSelector { return ServerSelector{kind: SelectorUnassigned} }

// AllServers returns the selector for entities shared by every server.
func AllServers() ServerSelector { return ServerSelector{kind: SelectorAll} }

// OneServer returns the selector for a single server tag.
func OneServer(tag string) ServerSelector {
	return ServerSelector{kind: SelectorOne, tags: []string{tag}}
}

// MultipleServers returns the selector for a set of server tags.
func MultipleServers(tags ...string) ServerSelector {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return ServerSelector{kind: SelectorMultiple, tags: sorted}
}

// AnyServer returns the wildcard read selector.
func AnyServer() ServerSelector { return ServerSelector{kind: SelectorAny} }

// Kind returns the selector variant.
func (s ServerSelector) Kind() SelectorKind { return s.kind }

// Tags returns the tag set of a one/multiple selector, or the implicit tag
// of the all-servers selector.
func (s ServerSelector) Tags() []string {
	if s.kind == SelectorAll {
		return []string{TagAll}
	}
	return s.tags
}

// String renders the wire form: a single tag, the literal "all", "any" or
// "unassigned", or a comma-joined tag set.
func (s ServerSelector) String() string {
	switch s.kind {
	case SelectorUnassigned:
		return "unassigned"
	case SelectorAll:
		return TagAll
	case SelectorAny:
		return "any"
	default:
		return strings.Join(s.tags, ",")
	}
}

// ParseSelector resolves the wire form back into a selector.
func ParseSelector(raw string) (ServerSelector, error) {
	switch raw {
	case "unassigned":
		return Unassigned(), nil
	case TagAll:
		return AllServers(), nil
	case "any":
		return AnyServer(), nil
	case "":
		return ServerSelector{}, fmt.Errorf("%w: empty server selector", lease.ErrBadValue)
	}
	if strings.Contains(raw, ",") {
		tags := strings.Split(raw, ",")
		for _, t := range tags {
			if t == "" {
				return ServerSelector{}, fmt.Errorf("%w: empty tag in selector %q", lease.ErrBadValue, raw)
			}
		}
		return MultipleServers(tags...), nil
	}
	return OneServer(raw), nil
}

// matches reports whether an entity carrying entityTags is visible to this
// selector. Entities tagged "all" are visible to every concrete server.
func (s ServerSelector) matches(entityTags []string) bool {
	switch s.kind {
	case SelectorAny:
		return true
	case SelectorAll:
		for _, t := range entityTags {
			if t == TagAll {
				return true
			}
		}
		return false
	case SelectorOne, SelectorMultiple:
		for _, et := range entityTags {
			if et == TagAll {
				return true
			}
			for _, st := range s.tags {
				if et == st {
					return true
				}
			}
		}
		return false
	}
	return false
}

// matchesStrict is the delete discipline: an all-servers delete removes
// only entities explicitly tagged to all servers, never per-server ones.
func (s ServerSelector) matchesStrict(entityTags []string) bool {
	if s.kind == SelectorAll {
		for _, t := range entityTags {
			if t != TagAll {
				return false
			}
		}
		return len(entityTags) > 0
	}
	return s.matches(entityTags)
}

// checkWritable rejects selectors that cannot scope a write.
func (s ServerSelector) checkWritable() error {
	switch s.kind {
	case SelectorUnassigned:
		return fmt.Errorf("%w: unassigned server selector", lease.ErrNotImplemented)
	case SelectorAny:
		return fmt.Errorf("%w: any-server selector cannot scope a write", lease.ErrInvalidParameter)
	}
	return nil
}

// checkReadable rejects selectors that cannot scope a read.
func (s ServerSelector) checkReadable() error {
	if s.kind == SelectorUnassigned {
		return fmt.Errorf("%w: unassigned server selector", lease.ErrNotImplemented)
	}
	return nil
}
