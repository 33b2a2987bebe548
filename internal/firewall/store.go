// internal/firewall/store.go
package firewall

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cbfw/internal/errkind"
	"cbfw/internal/logger"
	"cbfw/internal/source"

	"github.com/google/nftables"
)

var validSetName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CapacityHints carries the configured sizing for new sets. nftables
// hash sets autosize, so HashSize is advisory only; MaxElement is
// enforced by the store before anything reaches the kernel.
type CapacityHints struct {
	HashSize   int
	MaxElement int
}

// SetStats is the status-surface view of one set.
type SetStats struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	MemoryBytes int    `json:"memory_bytes"`
}

// Rough per-interval cost of a kernel rbtree set element, for the
// memory figure the status surface reports.
const bytesPerEntry = 96

// SetName builds the owned set name for a (country, family) pair,
// e.g. "ipdeny-cn-v4".
func SetName(prefix, country string, fam source.Family) string {
	return fmt.Sprintf("%s-%s-%s", prefix, country, fam)
}

// SetStore owns the lifecycle of the named kernel address sets. All
// mutating methods are serialized: the underlying connection queues
// operations into one netlink batch, and batches from concurrent
// replaces must not interleave.
type SetStore struct {
	conn   NFTablesConn
	table  *nftables.Table
	prefix string
	hints  CapacityHints
	mu     sync.Mutex
}

func NewSetStore(conn NFTablesConn, tableName, prefix string, hints CapacityHints) *SetStore {
	return &SetStore{
		conn: conn,
		table: &nftables.Table{
			Name:   tableName,
			Family: nftables.TableFamilyINet,
		},
		prefix: prefix,
		hints:  hints,
	}
}

func (s *SetStore) Table() *nftables.Table {
	return s.table
}

// Prefix returns the owned-set naming prefix.
func (s *SetStore) Prefix() string {
	return s.prefix
}

// Owns reports whether a set name follows this store's naming
// convention.
func (s *SetStore) Owns(name string) bool {
	return strings.HasPrefix(name, s.prefix+"-")
}

// EnsureTable makes sure the inet table exists. Adding an existing
// table is a no-op for the kernel.
func (s *SetStore) EnsureTable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.AddTable(s.table)
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("ensure table %s: %w", s.table.Name, err)
	}
	return nil
}

func keyTypeFor(fam source.Family) nftables.SetDatatype {
	if fam == source.FamilyIPv6 {
		return nftables.TypeIP6Addr
	}
	return nftables.TypeIPAddr
}

func (s *SetStore) newSet(name string, fam source.Family) *nftables.Set {
	return &nftables.Set{
		Table:    s.table,
		Name:     name,
		KeyType:  keyTypeFor(fam),
		Interval: true,
	}
}

// lookup finds a set by name in the kernel's committed state.
func (s *SetStore) lookup(name string) (*nftables.Set, error) {
	sets, err := s.conn.GetSets(s.table)
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}
	for _, set := range sets {
		if set.Name == name {
			set.Table = s.table
			return set, nil
		}
	}
	return nil, nil
}

// Create adds a named set if it does not exist yet. Creating a set
// that already exists with a compatible key type is a no-op success.
func (s *SetStore) Create(name string, fam source.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(name, fam)
}

func (s *SetStore) createLocked(name string, fam source.Family) error {
	if !validSetName.MatchString(name) {
		return fmt.Errorf("invalid set name %q", name)
	}

	existing, err := s.lookup(name)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.KeyType.Name != keyTypeFor(fam).Name {
			return fmt.Errorf("set %s exists with incompatible key type", name)
		}
		logger.Debug("sets", "Set already exists", "set", name)
		return nil
	}

	set := s.newSet(name, fam)
	if err := s.conn.AddSet(set, nil); err != nil {
		return fmt.Errorf("create set %s: %w", name, err)
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("create set %s: %w", name, err)
	}

	logger.Info("sets", "Created set", "set", name, "family", fam.String())
	return nil
}

// Replace swaps a set's entire membership for the given list. The new
// membership is first staged into a temporary set so the kernel
// validates every insertion without touching the active set; the
// cutover (flush active, load new membership, drop the staging set)
// then goes to the kernel as one batch, which it applies as a single
// transaction. A rule matching the active set therefore observes
// either the full old membership or the full new one, never a partial
// or empty set.
func (s *SetStore) Replace(name string, list *source.RangeList) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := fmt.Sprintf("replace %s", name)

	if list == nil || list.Len() == 0 {
		return 0, errkind.Newf(errkind.KindParse, op, "refusing to apply empty range list")
	}
	if list.Len() > s.hints.MaxElement {
		return 0, errkind.Newf(errkind.KindCapacity, op,
			"%d prefixes exceed maxelem %d", list.Len(), s.hints.MaxElement)
	}

	if err := s.createLocked(name, list.Family); err != nil {
		return 0, err
	}
	active, err := s.lookup(name)
	if err != nil {
		return 0, err
	}

	elems := listElements(list.Prefixes)

	// Stage into a temporary set; failure here leaves the active set
	// untouched.
	tmp := s.newSet(name+"-tmp", list.Family)
	if err := s.conn.AddSet(tmp, nil); err != nil {
		return 0, errkind.New(errkind.KindCapacity, op, fmt.Errorf("stage set: %w", err))
	}
	if err := s.conn.SetAddElements(tmp, elems); err != nil {
		s.discard(tmp)
		return 0, errkind.New(errkind.KindCapacity, op, fmt.Errorf("stage elements: %w", err))
	}
	if err := s.conn.Flush(); err != nil {
		s.discard(tmp)
		return 0, errkind.New(errkind.KindCapacity, op, fmt.Errorf("commit staging: %w", err))
	}

	// Cutover. One batch, applied by the kernel as one transaction:
	// nftables has no set rename, this is the atomic-swap equivalent.
	prev, err := s.conn.GetSetElements(active)
	if err != nil {
		s.discard(tmp)
		return 0, fmt.Errorf("%s: read current elements: %w", op, err)
	}
	s.conn.FlushSet(active)
	if err := s.conn.SetAddElements(active, elems); err != nil {
		// The flush of the active set is already queued. Re-add the
		// previous membership so the batch the discard commits leaves
		// the live set unchanged.
		if len(prev) > 0 {
			if restoreErr := s.conn.SetAddElements(active, prev); restoreErr != nil {
				logger.Error("sets", "Failed to restore membership after aborted cutover",
					"set", name, "error", restoreErr.Error())
			}
		}
		s.discard(tmp)
		return 0, fmt.Errorf("%s: load elements: %w", op, err)
	}
	s.conn.DelSet(tmp)
	if err := s.conn.Flush(); err != nil {
		s.discard(tmp)
		return 0, fmt.Errorf("%s: commit cutover: %w", op, err)
	}

	logger.Info("sets", "Replaced set membership", "set", name, "entries", list.Len())
	return list.Len(), nil
}

// discard best-effort drops a staging set after a failed replace.
func (s *SetStore) discard(set *nftables.Set) {
	s.conn.DelSet(set)
	if err := s.conn.Flush(); err != nil {
		logger.Warn("sets", "Failed to discard staging set", "set", set.Name, "error", err.Error())
	}
}

// Flush clears a set's membership in place. The name, and any rule
// referencing it, survive.
func (s *SetStore) Flush(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.lookup(name)
	if err != nil {
		return err
	}
	if set == nil {
		return fmt.Errorf("flush: set %s does not exist", name)
	}

	s.conn.FlushSet(set)
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("flush set %s: %w", name, err)
	}

	logger.Info("sets", "Flushed set", "set", name)
	return nil
}

// FlushAll clears every owned set and returns how many were flushed.
func (s *SetStore) FlushAll() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, name := range names {
		if err := s.Flush(name); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// Destroy removes a set entirely. While a rule still references the
// set the kernel refuses, surfaced as a busy-kind error; callers must
// reconcile the referencing rule away first.
func (s *SetStore) Destroy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.lookup(name)
	if err != nil {
		return err
	}
	if set == nil {
		return nil
	}

	s.conn.DelSet(set)
	if err := s.conn.Flush(); err != nil {
		return errkind.New(errkind.KindBusy, fmt.Sprintf("destroy %s", name),
			fmt.Errorf("set may be referenced by a rule: %w", err))
	}

	logger.Info("sets", "Destroyed set", "set", name)
	return nil
}

// List returns the names of all owned sets, sorted. Staging leftovers
// are excluded.
func (s *SetStore) List() ([]string, error) {
	sets, err := s.conn.GetSets(s.table)
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}

	var names []string
	for _, set := range sets {
		if s.Owns(set.Name) && !strings.HasSuffix(set.Name, "-tmp") {
			names = append(names, set.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a named set currently exists.
func (s *SetStore) Exists(name string) (bool, error) {
	set, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	return set != nil, nil
}

// Elements returns a set's current membership as prefixes.
func (s *SetStore) Elements(name string) ([]netip.Prefix, error) {
	set, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, fmt.Errorf("set %s does not exist", name)
	}

	elems, err := s.conn.GetSetElements(set)
	if err != nil {
		return nil, fmt.Errorf("get elements of %s: %w", name, err)
	}
	return elementsToPrefixes(elems)
}

// Contains reports whether an address falls in any prefix of the set.
func (s *SetStore) Contains(name string, addr netip.Addr) (bool, error) {
	prefixes, err := s.Elements(name)
	if err != nil {
		return false, err
	}
	for _, p := range prefixes {
		if p.Contains(addr.Unmap()) {
			return true, nil
		}
	}
	return false, nil
}

// Stats returns the status view of one set.
func (s *SetStore) Stats(name string) (SetStats, error) {
	prefixes, err := s.Elements(name)
	if err != nil {
		return SetStats{}, err
	}
	return SetStats{
		Name:        name,
		Entries:     len(prefixes),
		MemoryBytes: len(prefixes) * bytesPerEntry,
	}, nil
}
