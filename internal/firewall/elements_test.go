// internal/firewall/elements_test.go
package firewall

import (
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixElementsIPv4(t *testing.T) {
	elems := prefixElements(netip.MustParsePrefix("1.0.1.0/24"))
	require.Len(t, elems, 2)

	assert.Equal(t, []byte{1, 0, 1, 0}, elems[0].Key)
	assert.False(t, elems[0].IntervalEnd)
	assert.Equal(t, []byte{1, 0, 2, 0}, elems[1].Key)
	assert.True(t, elems[1].IntervalEnd)
}

func TestPrefixElementsHostPrefix(t *testing.T) {
	elems := prefixElements(netip.MustParsePrefix("9.9.9.9/32"))
	require.Len(t, elems, 2)

	assert.Equal(t, []byte{9, 9, 9, 9}, elems[0].Key)
	assert.Equal(t, []byte{9, 9, 9, 10}, elems[1].Key)
}

func TestPrefixElementsIPv6(t *testing.T) {
	elems := prefixElements(netip.MustParsePrefix("2001:db8::/32"))
	require.Len(t, elems, 2)

	start, ok := netip.AddrFromSlice(elems[0].Key)
	require.True(t, ok)
	end, ok := netip.AddrFromSlice(elems[1].Key)
	require.True(t, ok)

	assert.Equal(t, netip.MustParseAddr("2001:db8::"), start)
	assert.Equal(t, netip.MustParseAddr("2001:db9::"), end)
}

func TestElementsRoundTrip(t *testing.T) {
	prefixes := []netip.Prefix{
		netip.MustParsePrefix("1.0.1.0/24"),
		netip.MustParsePrefix("1.0.2.0/23"),
		netip.MustParsePrefix("203.0.113.7/32"),
	}

	decoded, err := elementsToPrefixes(listElements(prefixes))
	require.NoError(t, err)
	assert.ElementsMatch(t, prefixes, decoded)
}

func TestElementsRoundTripAdjacentPrefixes(t *testing.T) {
	// 10.0.0.0/24 ends exactly where 10.0.1.0/24 starts, so two
	// elements share a key and decode order matters.
	prefixes := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("10.0.1.0/24"),
	}

	decoded, err := elementsToPrefixes(listElements(prefixes))
	require.NoError(t, err)
	assert.ElementsMatch(t, prefixes, decoded)
}

func TestElementsRoundTripIPv6(t *testing.T) {
	prefixes := []netip.Prefix{
		netip.MustParsePrefix("2001:db8::/32"),
		netip.MustParsePrefix("2400:cb00::1/128"),
	}

	decoded, err := elementsToPrefixes(listElements(prefixes))
	require.NoError(t, err)
	assert.ElementsMatch(t, prefixes, decoded)
}

func TestElementsRejectsNonPrefixRange(t *testing.T) {
	// [1.0.0.0, 1.0.0.3) covers three addresses, not a CIDR block.
	elems := []nftables.SetElement{
		{Key: []byte{1, 0, 0, 0}},
		{Key: []byte{1, 0, 0, 3}, IntervalEnd: true},
	}

	_, err := elementsToPrefixes(elems)
	assert.Error(t, err)
}

func TestElementsRejectsUnpairedStart(t *testing.T) {
	elems := []nftables.SetElement{
		{Key: []byte{1, 0, 0, 0}},
	}

	_, err := elementsToPrefixes(elems)
	assert.Error(t, err)
}
