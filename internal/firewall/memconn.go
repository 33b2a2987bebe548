// internal/firewall/memconn.go
package firewall

import (
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// MemConn is an in-memory NFTablesConn with the same transactional
// shape as the real connection: mutations queue up and apply together
// on Flush, reads see only committed state. It backs the daemon's
// dry-run mode and every kernel-free test.
type MemConn struct {
	mu      sync.Mutex
	tables  map[string]*nftables.Table
	chains  map[string]*nftables.Chain
	sets    map[string]*memSet
	rules   map[string][]*nftables.Rule
	pending []func() error

	nextSetID  uint32
	nextHandle uint64

	// OnFlush, when set, runs before a batch commits. Tests use it to
	// observe state mid-sequence and to inject commit delays.
	OnFlush func()
	// AddElementsErr forces element insertion into the named set to
	// fail at commit time.
	AddElementsErr map[string]error
	// AddElementsRejectErr fails element insertion into the named set
	// at call time, before anything is queued, the way a marshal error
	// surfaces on the real connection. Consumed on first use.
	AddElementsRejectErr map[string]error
	// AddRuleErr fails the next queued rule insertion at commit time.
	AddRuleErr error
}

type memSet struct {
	set   *nftables.Set
	elems []nftables.SetElement
}

func NewMemConn() *MemConn {
	return &MemConn{
		tables: make(map[string]*nftables.Table),
		chains: make(map[string]*nftables.Chain),
		sets:   make(map[string]*memSet),
		rules:  make(map[string][]*nftables.Rule),
	}
}

func tableKey(t *nftables.Table) string {
	return t.Name
}

func chainKey(t *nftables.Table, name string) string {
	return t.Name + "/" + name
}

func (m *MemConn) queue(op func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, op)
}

func (m *MemConn) AddTable(t *nftables.Table) *nftables.Table {
	m.queue(func() error {
		m.tables[tableKey(t)] = t
		return nil
	})
	return t
}

func (m *MemConn) ListTables() ([]*nftables.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := make([]*nftables.Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	return tables, nil
}

func (m *MemConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.queue(func() error {
		m.chains[chainKey(c.Table, c.Name)] = c
		return nil
	})
	return c
}

func (m *MemConn) ListChains() ([]*nftables.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chains := make([]*nftables.Chain, 0, len(m.chains))
	for _, c := range m.chains {
		chains = append(chains, c)
	}
	return chains, nil
}

func (m *MemConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.queue(func() error {
		if err := m.AddRuleErr; err != nil {
			m.AddRuleErr = nil
			return err
		}
		m.nextHandle++
		stored := *r
		stored.Handle = m.nextHandle
		key := chainKey(r.Table, r.Chain.Name)
		m.rules[key] = append(m.rules[key], &stored)
		return nil
	})
	return r
}

func (m *MemConn) DelRule(r *nftables.Rule) error {
	if r.Handle == 0 {
		return fmt.Errorf("rule has no handle")
	}
	m.queue(func() error {
		key := chainKey(r.Table, r.Chain.Name)
		rules := m.rules[key]
		for i, existing := range rules {
			if existing.Handle == r.Handle {
				m.rules[key] = append(rules[:i], rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("no rule with handle %d", r.Handle)
	})
	return nil
}

func (m *MemConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chainKey(t, c.Name)
	rules := make([]*nftables.Rule, 0, len(m.rules[key]))
	for _, r := range m.rules[key] {
		copied := *r
		rules = append(rules, &copied)
	}
	return rules, nil
}

func (m *MemConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	if s.ID == 0 {
		m.nextSetID++
		s.ID = m.nextSetID
	}
	m.mu.Unlock()

	m.queue(func() error {
		key := setKey(s)
		if _, exists := m.sets[key]; exists {
			return fmt.Errorf("set %s already exists", s.Name)
		}
		ms := &memSet{set: s}
		ms.elems = append(ms.elems, vals...)
		m.sets[key] = ms
		return nil
	})
	return nil
}

func setKey(s *nftables.Set) string {
	return s.Table.Name + "/" + s.Name
}

func (m *MemConn) DelSet(s *nftables.Set) {
	m.queue(func() error {
		key := setKey(s)
		if _, exists := m.sets[key]; !exists {
			return fmt.Errorf("set %s does not exist", s.Name)
		}
		if m.setReferenced(s.Name) {
			return fmt.Errorf("set %s is in use by a rule", s.Name)
		}
		delete(m.sets, key)
		return nil
	})
}

// setReferenced scans committed rules for a lookup on the set. Called
// with m.mu held during commit.
func (m *MemConn) setReferenced(name string) bool {
	for _, rules := range m.rules {
		for _, r := range rules {
			for _, e := range r.Exprs {
				if l, ok := e.(*expr.Lookup); ok && l.SetName == name {
					return true
				}
			}
		}
	}
	return false
}

func (m *MemConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sets := make([]*nftables.Set, 0, len(m.sets))
	for _, ms := range m.sets {
		if ms.set.Table.Name == t.Name {
			copied := *ms.set
			sets = append(sets, &copied)
		}
	}
	return sets, nil
}

func (m *MemConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, exists := m.sets[setKey(s)]
	if !exists {
		return nil, fmt.Errorf("set %s does not exist", s.Name)
	}
	elems := make([]nftables.SetElement, len(ms.elems))
	copy(elems, ms.elems)
	return elems, nil
}

func (m *MemConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	if err := m.AddElementsRejectErr[s.Name]; err != nil {
		delete(m.AddElementsRejectErr, s.Name)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.queue(func() error {
		if err := m.AddElementsErr[s.Name]; err != nil {
			return err
		}
		ms, exists := m.sets[setKey(s)]
		if !exists {
			return fmt.Errorf("set %s does not exist", s.Name)
		}
		ms.elems = append(ms.elems, vals...)
		return nil
	})
	return nil
}

func (m *MemConn) FlushSet(s *nftables.Set) {
	m.queue(func() error {
		ms, exists := m.sets[setKey(s)]
		if !exists {
			return fmt.Errorf("set %s does not exist", s.Name)
		}
		ms.elems = nil
		return nil
	})
}

// Flush applies the queued batch atomically: the commit happens under
// one lock, so a concurrent reader observes the state fully before or
// fully after the batch, never in between. A failing operation aborts
// the rest of the batch; the queue is cleared either way, matching the
// real connection.
func (m *MemConn) Flush() error {
	if m.OnFlush != nil {
		m.OnFlush()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ops := m.pending
	m.pending = nil

	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}
