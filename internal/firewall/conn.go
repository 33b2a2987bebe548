// internal/firewall/conn.go
package firewall

import (
	"github.com/google/nftables"
)

// Protocol constants for rule generation in the inet table.
const (
	protoIPv4 = 2  // unix.NFPROTO_IPV4
	protoIPv6 = 10 // unix.NFPROTO_IPV6
)

// NFTablesConn abstracts the nftables.Conn operations used by the set
// store and the rule reconciler. Mutations are queued and applied as
// one kernel transaction on Flush; reads go to the kernel immediately.
// The abstraction keeps set and rule logic testable without a kernel.
type NFTablesConn interface {
	// Table operations
	AddTable(t *nftables.Table) *nftables.Table
	ListTables() ([]*nftables.Table, error)

	// Chain operations
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChains() ([]*nftables.Chain, error)

	// Rule operations
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)

	// Set operations
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	DelSet(s *nftables.Set)
	GetSets(t *nftables.Table) ([]*nftables.Set, error)
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	FlushSet(s *nftables.Set)

	// Commit queued changes as a single batch
	Flush() error
}

// RealNFTablesConn wraps the actual nftables.Conn for production use.
type RealNFTablesConn struct {
	conn *nftables.Conn
}

func NewRealNFTablesConn(conn *nftables.Conn) *RealNFTablesConn {
	return &RealNFTablesConn{conn: conn}
}

func (r *RealNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	return r.conn.AddTable(t)
}

func (r *RealNFTablesConn) ListTables() ([]*nftables.Table, error) {
	return r.conn.ListTables()
}

func (r *RealNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(c)
}

func (r *RealNFTablesConn) ListChains() ([]*nftables.Chain, error) {
	return r.conn.ListChains()
}

func (r *RealNFTablesConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.AddRule(rule)
}

func (r *RealNFTablesConn) DelRule(rule *nftables.Rule) error {
	return r.conn.DelRule(rule)
}

func (r *RealNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}

func (r *RealNFTablesConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.AddSet(s, vals)
}

func (r *RealNFTablesConn) DelSet(s *nftables.Set) {
	r.conn.DelSet(s)
}

func (r *RealNFTablesConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	return r.conn.GetSets(t)
}

func (r *RealNFTablesConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	return r.conn.GetSetElements(s)
}

func (r *RealNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetAddElements(s, vals)
}

func (r *RealNFTablesConn) FlushSet(s *nftables.Set) {
	r.conn.FlushSet(s)
}

func (r *RealNFTablesConn) Flush() error {
	return r.conn.Flush()
}

// CheckAvailable probes for a working nftables netlink socket.
func CheckAvailable() error {
	conn := &nftables.Conn{}
	_, err := conn.ListTables()
	return err
}
