// internal/firewall/reconciler.go
package firewall

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cbfw/internal/errkind"
	"cbfw/internal/logger"
	"cbfw/internal/source"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// ruleTag marks rules owned by this system. The tag plus the matched
// set name go into the rule's userdata, so ownership is decided by a
// stable naming convention, never by expression contents.
const ruleTag = "cbfw:"

// RuleInfo is the status view of one owned rule, counters included.
type RuleInfo struct {
	SetName string `json:"set_name"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Diff is the outcome of one reconciliation pass.
type Diff struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Reconciler keeps the chain's rules matching exactly the owned sets
// that should be enforced: one rule per set, no duplicates, no stale
// rules. Foreign rules in the same chain are never touched.
type Reconciler struct {
	conn   NFTablesConn
	table  *nftables.Table
	chain  *nftables.Chain
	action string // "deny" drops matches, "permit" accepts them

	// One reconciliation at a time; interleaved diff-and-apply passes
	// could add and remove the same rule inconsistently.
	mu sync.Mutex
}

func NewReconciler(conn NFTablesConn, table *nftables.Table, chainName, action string) *Reconciler {
	return &Reconciler{
		conn:   conn,
		table:  table,
		chain:  &nftables.Chain{Name: chainName, Table: table},
		action: action,
	}
}

// EnsureChain creates the filter chain on the input hook if missing.
// Policy stays accept: the owned rules are the only effect this system
// has on traffic.
func (r *Reconciler) EnsureChain() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chains, err := r.conn.ListChains()
	if err != nil {
		return errkind.New(errkind.KindReconcile, "ensure chain", err)
	}
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == r.table.Name && c.Name == r.chain.Name {
			r.chain = c
			r.chain.Table = r.table
			return nil
		}
	}

	policy := nftables.ChainPolicyAccept
	r.chain = r.conn.AddChain(&nftables.Chain{
		Name:     r.chain.Name,
		Table:    r.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	if err := r.conn.Flush(); err != nil {
		return errkind.New(errkind.KindReconcile, "ensure chain", err)
	}

	logger.Info("rules", "Created chain", "table", r.table.Name, "chain", r.chain.Name)
	return nil
}

// Reconcile diffs the owned rules against the desired set names and
// applies the minimal additions and removals in one batch. Running it
// twice without a state change performs zero mutations the second
// time.
func (r *Reconciler) Reconcile(desiredSetNames []string) (Diff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actual, err := r.ownedRules()
	if err != nil {
		return Diff{}, err
	}

	desired := make(map[string]bool, len(desiredSetNames))
	for _, name := range desiredSetNames {
		desired[name] = true
	}

	var toAdd []string
	for name := range desired {
		if _, ok := actual[name]; !ok {
			toAdd = append(toAdd, name)
		}
	}
	sort.Strings(toAdd)

	var toRemove []*nftables.Rule
	for name, rule := range actual {
		if !desired[name] {
			toRemove = append(toRemove, rule)
		}
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		logger.Debug("rules", "Rules already in sync", "rules", len(actual))
		return Diff{}, nil
	}

	for _, name := range toAdd {
		rule, err := r.buildRule(name)
		if err != nil {
			return Diff{}, err
		}
		r.conn.AddRule(rule)
	}
	for _, rule := range toRemove {
		if err := r.conn.DelRule(rule); err != nil {
			return Diff{}, errkind.New(errkind.KindReconcile, "remove rule", err)
		}
	}

	if err := r.conn.Flush(); err != nil {
		return Diff{}, errkind.New(errkind.KindReconcile, "apply rule diff", err)
	}

	diff := Diff{Added: len(toAdd), Removed: len(toRemove)}
	logger.Info("rules", "Reconciled rules", "added", diff.Added, "removed", diff.Removed)
	return diff, nil
}

// Rules returns the owned rules with their match counters, for the
// status surface.
func (r *Reconciler) Rules() ([]RuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actual, err := r.ownedRules()
	if err != nil {
		return nil, err
	}

	infos := make([]RuleInfo, 0, len(actual))
	for name, rule := range actual {
		info := RuleInfo{SetName: name}
		for _, e := range rule.Exprs {
			if c, ok := e.(*expr.Counter); ok {
				info.Packets = c.Packets
				info.Bytes = c.Bytes
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SetName < infos[j].SetName })
	return infos, nil
}

// ownedRules maps matched set name to rule for every rule tagged as
// ours. Callers hold r.mu.
func (r *Reconciler) ownedRules() (map[string]*nftables.Rule, error) {
	rules, err := r.conn.GetRules(r.table, r.chain)
	if err != nil {
		return nil, errkind.New(errkind.KindReconcile, "list rules", err)
	}

	owned := make(map[string]*nftables.Rule)
	for _, rule := range rules {
		name, ok := ruleSetName(rule)
		if !ok {
			continue
		}
		rule.Table = r.table
		rule.Chain = r.chain
		owned[name] = rule
	}
	return owned, nil
}

func ruleSetName(rule *nftables.Rule) (string, bool) {
	ud := string(rule.UserData)
	if !strings.HasPrefix(ud, ruleTag) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(ud, ruleTag), "\x00"), true
}

// buildRule assembles the match rule for one set: restrict to the
// set's address family, look up the source address, count, verdict.
func (r *Reconciler) buildRule(setName string) (*nftables.Rule, error) {
	set, err := r.findSet(setName)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, errkind.Newf(errkind.KindReconcile, "build rule", "set %s does not exist", setName)
	}

	fam := source.FamilyIPv4
	if set.KeyType.Name == nftables.TypeIP6Addr.Name {
		fam = source.FamilyIPv6
	}

	proto := byte(protoIPv4)
	saddrOffset, saddrLen := uint32(12), uint32(4)
	if fam == source.FamilyIPv6 {
		proto = protoIPv6
		saddrOffset, saddrLen = 8, 16
	}

	verdict := expr.VerdictDrop
	if r.action == "permit" {
		verdict = expr.VerdictAccept
	}

	return &nftables.Rule{
		Table: r.table,
		Chain: r.chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: saddrOffset, Len: saddrLen},
			&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
			&expr.Counter{},
			&expr.Verdict{Kind: verdict},
		},
		UserData: []byte(ruleTag + setName),
	}, nil
}

func (r *Reconciler) findSet(name string) (*nftables.Set, error) {
	sets, err := r.conn.GetSets(r.table)
	if err != nil {
		return nil, errkind.New(errkind.KindReconcile, "list sets", fmt.Errorf("resolve %s: %w", name, err))
	}
	for _, s := range sets {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, nil
}
