// internal/firewall/store_test.go
package firewall

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbfw/internal/errkind"
	"cbfw/internal/source"
)

func newTestStore(t *testing.T) (*MemConn, *SetStore) {
	t.Helper()
	conn := NewMemConn()
	store := NewSetStore(conn, "cbfw", "ipdeny", CapacityHints{HashSize: 4096, MaxElement: 65536})
	require.NoError(t, store.EnsureTable())
	return conn, store
}

func rangeList(t *testing.T, country string, fam source.Family, cidrs ...string) *source.RangeList {
	t.Helper()
	list := &source.RangeList{Country: country, Family: fam}
	for _, c := range cidrs {
		list.Prefixes = append(list.Prefixes, netip.MustParsePrefix(c))
	}
	return list
}

func TestSetName(t *testing.T) {
	assert.Equal(t, "ipdeny-cn-v4", SetName("ipdeny", "cn", source.FamilyIPv4))
	assert.Equal(t, "ipdeny-cn-v6", SetName("ipdeny", "cn", source.FamilyIPv6))
}

func TestOwns(t *testing.T) {
	_, store := newTestStore(t)

	assert.True(t, store.Owns("ipdeny-cn-v4"))
	assert.False(t, store.Owns("blacklist"))
	assert.False(t, store.Owns("ipdeny"))
}

func TestCreateIdempotent(t *testing.T) {
	_, store := newTestStore(t)

	require.NoError(t, store.Create("ipdeny-cn-v4", source.FamilyIPv4))
	require.NoError(t, store.Create("ipdeny-cn-v4", source.FamilyIPv4))

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ipdeny-cn-v4"}, names)
}

func TestCreateRejectsKeyTypeMismatch(t *testing.T) {
	_, store := newTestStore(t)

	require.NoError(t, store.Create("ipdeny-cn-v4", source.FamilyIPv4))
	err := store.Create("ipdeny-cn-v4", source.FamilyIPv6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible key type")
}

func TestCreateRejectsBadName(t *testing.T) {
	_, store := newTestStore(t)

	err := store.Create("ipdeny cn v4", source.FamilyIPv4)
	assert.Error(t, err)
}

func TestReplaceMembership(t *testing.T) {
	_, store := newTestStore(t)

	list := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "1.0.2.0/23", "1.0.8.0/21")
	n, err := store.Replace("ipdeny-cn-v4", list)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, list.Prefixes, prefixes)
}

func TestReplaceSwapsWholeMembership(t *testing.T) {
	_, store := newTestStore(t)

	old := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "1.0.2.0/23")
	_, err := store.Replace("ipdeny-cn-v4", old)
	require.NoError(t, err)

	next := rangeList(t, "cn", source.FamilyIPv4, "5.0.0.0/8")
	n, err := store.Replace("ipdeny-cn-v4", next)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, next.Prefixes, prefixes)
}

func TestReplaceRejectsEmptyList(t *testing.T) {
	_, store := newTestStore(t)

	old := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24")
	_, err := store.Replace("ipdeny-cn-v4", old)
	require.NoError(t, err)

	_, err = store.Replace("ipdeny-cn-v4", &source.RangeList{Country: "cn", Family: source.FamilyIPv4})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindParse))

	// The live membership survives the rejected update.
	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, old.Prefixes, prefixes)
}

func TestReplaceRejectsOverCapacity(t *testing.T) {
	conn := NewMemConn()
	store := NewSetStore(conn, "cbfw", "ipdeny", CapacityHints{HashSize: 4096, MaxElement: 2})
	require.NoError(t, store.EnsureTable())

	list := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "1.0.2.0/23", "1.0.8.0/21")
	_, err := store.Replace("ipdeny-cn-v4", list)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindCapacity))

	exists, err := store.Exists("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceFailureKeepsOldMembership(t *testing.T) {
	conn, store := newTestStore(t)

	old := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24")
	_, err := store.Replace("ipdeny-cn-v4", old)
	require.NoError(t, err)

	// The staging set rejects the new membership before the active set
	// is touched.
	conn.AddElementsErr = map[string]error{
		"ipdeny-cn-v4-tmp": errors.New("set full"),
	}

	next := rangeList(t, "cn", source.FamilyIPv4, "5.0.0.0/8")
	_, err = store.Replace("ipdeny-cn-v4", next)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindCapacity))

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, old.Prefixes, prefixes)

	// No staging leftovers.
	conn.AddElementsErr = nil
	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ipdeny-cn-v4"}, names)
}

func TestReplaceRejectedCutoverKeepsOldMembership(t *testing.T) {
	conn, store := newTestStore(t)

	old := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "2.0.0.0/16")
	_, err := store.Replace("ipdeny-cn-v4", old)
	require.NoError(t, err)

	// Staging succeeds but the cutover insert into the active set is
	// rejected before it reaches the batch. The already-queued flush of
	// the active set must not be committed on its own.
	conn.AddElementsRejectErr = map[string]error{
		"ipdeny-cn-v4": errors.New("element rejected"),
	}

	next := rangeList(t, "cn", source.FamilyIPv4, "5.0.0.0/8")
	_, err = store.Replace("ipdeny-cn-v4", next)
	require.Error(t, err)

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, old.Prefixes, prefixes)

	exists, err := store.Exists("ipdeny-cn-v4-tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestReplaceNeverExposesPartialState observes the active set at every
// commit boundary during a replace: each observation must be exactly
// the old membership or exactly the new one.
func TestReplaceNeverExposesPartialState(t *testing.T) {
	conn, store := newTestStore(t)

	old := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "1.0.2.0/23")
	_, err := store.Replace("ipdeny-cn-v4", old)
	require.NoError(t, err)

	active := &nftables.Set{Table: store.Table(), Name: "ipdeny-cn-v4"}
	var observations [][]netip.Prefix
	conn.OnFlush = func() {
		elems, err := conn.GetSetElements(active)
		require.NoError(t, err)
		prefixes, err := elementsToPrefixes(elems)
		require.NoError(t, err)
		observations = append(observations, prefixes)
	}

	next := rangeList(t, "cn", source.FamilyIPv4, "5.0.0.0/8", "9.9.9.9/32", "100.64.0.0/10")
	_, err = store.Replace("ipdeny-cn-v4", next)
	require.NoError(t, err)
	conn.OnFlush = nil

	require.NotEmpty(t, observations)
	for _, obs := range observations {
		if len(obs) == len(next.Prefixes) {
			assert.ElementsMatch(t, next.Prefixes, obs)
		} else {
			assert.ElementsMatch(t, old.Prefixes, obs)
		}
	}

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.ElementsMatch(t, next.Prefixes, prefixes)
}

func TestFlushKeepsSet(t *testing.T) {
	_, store := newTestStore(t)

	list := rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24")
	_, err := store.Replace("ipdeny-cn-v4", list)
	require.NoError(t, err)

	require.NoError(t, store.Flush("ipdeny-cn-v4"))

	exists, err := store.Exists("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.True(t, exists)

	prefixes, err := store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestFlushMissingSet(t *testing.T) {
	_, store := newTestStore(t)
	assert.Error(t, store.Flush("ipdeny-cn-v4"))
}

func TestFlushAll(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24"))
	require.NoError(t, err)
	_, err = store.Replace("ipdeny-ru-v4", rangeList(t, "ru", source.FamilyIPv4, "5.0.0.0/8"))
	require.NoError(t, err)

	flushed, err := store.FlushAll()
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)

	for _, name := range []string{"ipdeny-cn-v4", "ipdeny-ru-v4"} {
		prefixes, err := store.Elements(name)
		require.NoError(t, err)
		assert.Empty(t, prefixes, name)
	}
}

func TestDestroy(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24"))
	require.NoError(t, err)

	require.NoError(t, store.Destroy("ipdeny-cn-v4"))

	exists, err := store.Exists("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.False(t, exists)

	// Destroying a set that never existed succeeds.
	assert.NoError(t, store.Destroy("ipdeny-cn-v4"))
}

func TestDestroyReferencedSetIsBusy(t *testing.T) {
	conn, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24"))
	require.NoError(t, err)

	rec := NewReconciler(conn, store.Table(), "input", "deny")
	require.NoError(t, rec.EnsureChain())
	_, err = rec.Reconcile([]string{"ipdeny-cn-v4"})
	require.NoError(t, err)

	err = store.Destroy("ipdeny-cn-v4")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindBusy))

	// After the rule goes away the destroy succeeds.
	_, err = rec.Reconcile(nil)
	require.NoError(t, err)
	require.NoError(t, store.Destroy("ipdeny-cn-v4"))
}

func TestListOwnedSetsOnly(t *testing.T) {
	conn, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24"))
	require.NoError(t, err)
	_, err = store.Replace("ipdeny-cn-v6", rangeList(t, "cn", source.FamilyIPv6, "2001:db8::/32"))
	require.NoError(t, err)

	// A foreign set in the same table is not ours to report.
	foreign := &nftables.Set{Table: store.Table(), Name: "blacklist", KeyType: nftables.TypeIPAddr}
	require.NoError(t, conn.AddSet(foreign, nil))
	require.NoError(t, conn.Flush())

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ipdeny-cn-v4", "ipdeny-cn-v6"}, names)
}

func TestContains(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "5.0.0.0/8"))
	require.NoError(t, err)

	found, err := store.Contains("ipdeny-cn-v4", netip.MustParseAddr("1.0.1.77"))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Contains("ipdeny-cn-v4", netip.MustParseAddr("5.200.0.1"))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Contains("ipdeny-cn-v4", netip.MustParseAddr("8.8.8.8"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStats(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Replace("ipdeny-cn-v4", rangeList(t, "cn", source.FamilyIPv4, "1.0.1.0/24", "5.0.0.0/8"))
	require.NoError(t, err)

	stats, err := store.Stats("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.Equal(t, "ipdeny-cn-v4", stats.Name)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2*bytesPerEntry, stats.MemoryBytes)
}
