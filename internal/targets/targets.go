// Package targets compares address and network queries against the
// comma-separated target lists stored on scan tasks.
package targets

import (
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Kind identifies how a target string was parsed.
type Kind int

const (
	// KindNone is an empty target.
	KindNone Kind = iota
	// KindAddress is a literal IPv4 or IPv6 address.
	KindAddress
	// KindNetwork is a CIDR network.
	KindNetwork
	// KindHostname is any other token, compared as an opaque name.
	KindHostname
)

// Target is a parsed target token.
type Target struct {
	Kind   Kind
	Addr   netip.Addr
	Prefix netip.Prefix
	Name   string
}

// Parse classifies a single target token.
func Parse(s string) Target {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{Kind: KindNone}
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return Target{Kind: KindAddress, Addr: addr.Unmap()}
	}
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return Target{Kind: KindNetwork, Prefix: prefix.Masked()}
	}
	return Target{Kind: KindHostname, Name: s}
}

// Split returns the non-empty tokens of a comma-separated target list.
func Split(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// List is a parsed stored target list. Addresses and networks are folded
// into one IP set; hostnames are kept lower-cased.
type List struct {
	set   *netipx.IPSet
	names map[string]struct{}
}

// ParseList parses a comma-separated target list.
func ParseList(csv string) (*List, error) {
	var b netipx.IPSetBuilder
	names := make(map[string]struct{})

	for _, token := range Split(csv) {
		t := Parse(token)
		switch t.Kind {
		case KindAddress:
			b.Add(t.Addr)
		case KindNetwork:
			b.AddPrefix(t.Prefix)
		case KindHostname:
			names[strings.ToLower(t.Name)] = struct{}{}
		}
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return &List{set: set, names: names}, nil
}

// Matches applies the matching rules of a single query against the list:
// address equality, address/network containment in either direction,
// network overlap and case-insensitive hostname equality.
func (l *List) Matches(query Target) bool {
	switch query.Kind {
	case KindAddress:
		return l.set.Contains(query.Addr)
	case KindNetwork:
		return l.set.OverlapsPrefix(query.Prefix)
	case KindHostname:
		_, ok := l.names[strings.ToLower(query.Name)]
		return ok
	default:
		return false
	}
}

// Match reports whether query matches any target in storedCSV.
// Either input being empty yields false.
func Match(query, storedCSV string) bool {
	q := Parse(query)
	if q.Kind == KindNone || strings.TrimSpace(storedCSV) == "" {
		return false
	}
	list, err := ParseList(storedCSV)
	if err != nil {
		return false
	}
	return list.Matches(q)
}
