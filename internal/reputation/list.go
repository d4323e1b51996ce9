package reputation

import (
	"net/netip"
	"strconv"
	"strings"
)

// cidr is an IPv4 range with its base already masked.
type cidr struct {
	base uint32
	mask uint32
	list string
}

func (c cidr) contains(ip uint32) bool {
	return ip&c.mask == c.base
}

// List is a set of exact IPv4 addresses and IPv4 CIDR ranges, each tagged
// with the name of the list it came from. A List is built once and then only
// read; it must not be modified after it is published to a Filter.
type List struct {
	exact  map[uint32]string
	ranges []cidr
	counts map[string]int
}

// NewList returns an empty List.
func NewList() *List {
	return &List{
		exact:  make(map[uint32]string),
		counts: make(map[string]int),
	}
}

// Add inserts entry (a dotted-quad or a dotted-quad/prefix) under list name.
// It reports false for anything that is not IPv4.
func (l *List) Add(name, entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		c, ok := parseCIDR(entry)
		if !ok {
			return false
		}
		c.list = name
		l.ranges = append(l.ranges, c)
		l.counts[name]++
		return true
	}
	ip, ok := parseIPv4(entry)
	if !ok {
		return false
	}
	if _, dup := l.exact[ip]; !dup {
		l.exact[ip] = name
		l.counts[name]++
	}
	return true
}

// Merge copies every entry of other into l.
func (l *List) Merge(other *List) {
	if other == nil {
		return
	}
	for ip, name := range other.exact {
		if _, dup := l.exact[ip]; !dup {
			l.exact[ip] = name
			l.counts[name]++
		}
	}
	for _, c := range other.ranges {
		l.ranges = append(l.ranges, c)
		l.counts[c.list]++
	}
}

// Match returns the name of the first list containing addr. Non-IPv4 input
// never matches.
func (l *List) Match(addr string) (string, bool) {
	if l == nil {
		return "", false
	}
	ip, ok := parseIPv4(addr)
	if !ok {
		return "", false
	}
	if name, hit := l.exact[ip]; hit {
		return name, true
	}
	for _, c := range l.ranges {
		if c.contains(ip) {
			return c.list, true
		}
	}
	return "", false
}

// Len returns the total number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.ranges)
}

// Counts returns the number of entries per list name.
func (l *List) Counts() map[string]int {
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// parseIPv4 converts a dotted-quad to its 32-bit value. IPv4-mapped IPv6
// forms are rejected.
func parseIPv4(s string) (uint32, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

func parseCIDR(s string) (cidr, bool) {
	host, bitsStr, ok := strings.Cut(s, "/")
	if !ok {
		return cidr{}, false
	}
	ip, ok := parseIPv4(host)
	if !ok {
		return cidr{}, false
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 || bits > 32 {
		return cidr{}, false
	}
	var mask uint32
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return cidr{base: ip & mask, mask: mask}, true
}
