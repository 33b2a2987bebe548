// internal/firewall/elements.go
package firewall

import (
	"bytes"
	"fmt"
	"net/netip"
	"sort"

	"github.com/google/nftables"
)

// prefixElements encodes a CIDR prefix as the start/exclusive-end
// element pair nftables interval sets expect.
func prefixElements(p netip.Prefix) []nftables.SetElement {
	start := p.Masked().Addr()
	startKey := addrBytes(start)

	end := make([]byte, len(startKey))
	copy(end, startKey)
	hostBits := len(end)*8 - p.Bits()
	for i := len(end) - 1; i >= 0 && hostBits > 0; i-- {
		take := hostBits
		if take > 8 {
			take = 8
		}
		end[i] |= byte(0xff >> (8 - take))
		hostBits -= take
	}
	// Increment for the exclusive end.
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			break
		}
	}

	return []nftables.SetElement{
		{Key: startKey, IntervalEnd: false},
		{Key: end, IntervalEnd: true},
	}
}

// listElements encodes a whole prefix list.
func listElements(prefixes []netip.Prefix) []nftables.SetElement {
	elems := make([]nftables.SetElement, 0, 2*len(prefixes))
	for _, p := range prefixes {
		elems = append(elems, prefixElements(p)...)
	}
	return elems
}

// elementsToPrefixes reverses the interval encoding. Every interval the
// store writes corresponds to exactly one CIDR prefix, so each sorted
// start/end pair maps back to a single prefix.
func elementsToPrefixes(elems []nftables.SetElement) ([]netip.Prefix, error) {
	sorted := make([]nftables.SetElement, len(elems))
	copy(sorted, elems)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := bytes.Compare(sorted[i].Key, sorted[j].Key); c != 0 {
			return c < 0
		}
		// Adjacent intervals share a key: the end of the lower range
		// must sort before the start of the next one.
		return sorted[i].IntervalEnd && !sorted[j].IntervalEnd
	})

	var prefixes []netip.Prefix
	for i := 0; i < len(sorted); i++ {
		if sorted[i].IntervalEnd {
			continue
		}
		start, ok := netip.AddrFromSlice(sorted[i].Key)
		if !ok {
			return nil, fmt.Errorf("bad element key length %d", len(sorted[i].Key))
		}
		if i+1 >= len(sorted) || !sorted[i+1].IntervalEnd {
			return nil, fmt.Errorf("interval start %s without end", start)
		}
		end, ok := netip.AddrFromSlice(sorted[i+1].Key)
		if !ok {
			return nil, fmt.Errorf("bad element key length %d", len(sorted[i+1].Key))
		}
		p, err := rangeToPrefix(start, end)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
		i++
	}
	return prefixes, nil
}

// rangeToPrefix finds the prefix whose half-open range is
// [start, endExclusive).
func rangeToPrefix(start, endExclusive netip.Addr) (netip.Prefix, error) {
	for bits := start.BitLen(); bits >= 0; bits-- {
		p := netip.PrefixFrom(start, bits)
		if p.Masked().Addr() != start {
			continue
		}
		if nextAfter(p) == endExclusive {
			return p, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("range %s-%s is not a single prefix", start, endExclusive)
}

// nextAfter returns the first address past the prefix, or the zero
// address when the prefix covers the whole space.
func nextAfter(p netip.Prefix) netip.Addr {
	b := addrBytes(p.Masked().Addr())
	hostBits := len(b)*8 - p.Bits()
	for i := len(b) - 1; i >= 0 && hostBits > 0; i-- {
		take := hostBits
		if take > 8 {
			take = 8
		}
		b[i] |= byte(0xff >> (8 - take))
		hostBits -= take
	}
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			break
		}
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// addrBytes returns the canonical wire bytes for an address: 4 for
// IPv4 (including 4-in-6), 16 for IPv6.
func addrBytes(addr netip.Addr) []byte {
	if addr.Is4() || addr.Is4In6() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}
