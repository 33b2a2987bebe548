// internal/syncer/syncer.go
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cbfw/internal/config"
	"cbfw/internal/errkind"
	"cbfw/internal/firewall"
	"cbfw/internal/logger"
	"cbfw/internal/source"
)

var (
	syncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbfw_sync_passes_total",
			Help: "Total number of sync passes by result",
		},
		[]string{"result"},
	)
	syncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbfw_sync_failures_total",
			Help: "Total number of per-country sync failures by error kind",
		},
		[]string{"country", "family", "kind"},
	)
	setEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cbfw_set_entries",
			Help: "Number of entries loaded into each address set",
		},
		[]string{"set"},
	)
)

func init() {
	for _, c := range []prometheus.Collector{syncPassesTotal, syncFailuresTotal, setEntries} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// Result records the outcome for one country/family pair in a pass.
type Result struct {
	Country   string        `json:"country"`
	Family    string        `json:"family"`
	SetName   string        `json:"set_name"`
	Entries   int           `json:"entries"`
	FromCache bool          `json:"from_cache,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      errkind.Kind  `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Summary aggregates a whole pass.
type Summary struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	TotalEntries int           `json:"total_entries"`
	RulesAdded   int           `json:"rules_added"`
	RulesRemoved int           `json:"rules_removed"`
	Results      []Result      `json:"results"`
}

// Syncer drives a full update pass: fetch each configured country list,
// load it into its address set, then reconcile firewall rules against
// the sets that exist. One pass runs at a time.
type Syncer struct {
	cfg        *config.Config
	client     *source.Client
	cache      *source.ZoneCache
	store      *firewall.SetStore
	reconciler *firewall.Reconciler

	mu sync.Mutex

	lastMu      sync.RWMutex
	lastSummary *Summary
}

// LastSummary returns the most recent completed pass, or nil before the
// first one finishes.
func (s *Syncer) LastSummary() *Summary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastSummary
}

func (s *Syncer) setLastSummary(sum *Summary) {
	s.lastMu.Lock()
	s.lastSummary = sum
	s.lastMu.Unlock()
}

func New(cfg *config.Config, client *source.Client, cache *source.ZoneCache, store *firewall.SetStore, reconciler *firewall.Reconciler) *Syncer {
	return &Syncer{
		cfg:        cfg,
		client:     client,
		cache:      cache,
		store:      store,
		reconciler: reconciler,
	}
}

type pair struct {
	country string
	fam     source.Family
}

func (s *Syncer) pairs() []pair {
	fams := source.Families(s.cfg.Sets.EnableIPv4, s.cfg.Sets.EnableIPv6)
	var out []pair
	for _, cc := range s.cfg.Countries.Codes {
		for _, fam := range fams {
			out = append(out, pair{country: cc, fam: fam})
		}
	}
	return out
}

// RunPass executes one sync pass. It returns errkind.KindBusy when a
// pass is already in flight.
func (s *Syncer) RunPass(ctx context.Context) (*Summary, error) {
	if !s.mu.TryLock() {
		return nil, errkind.Newf(errkind.KindBusy, "syncer.RunPass", "a sync pass is already running")
	}
	defer s.mu.Unlock()

	start := time.Now()
	pairs := s.pairs()
	logger.Info("syncer", "Starting sync pass", "pairs", len(pairs))

	if s.cfg.Sets.Enabled || s.cfg.Firewall.Enabled {
		if err := s.store.EnsureTable(); err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(pairs))
	sem := make(chan struct{}, s.cfg.Sync.Concurrency)
	var wg sync.WaitGroup

	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p pair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.syncPair(ctx, p)
		}(i, p)
	}
	wg.Wait()

	summary := &Summary{
		StartedAt: start,
		Results:   results,
	}
	for i := range results {
		r := &results[i]
		if r.Error != "" {
			summary.Failed++
			syncFailuresTotal.WithLabelValues(r.Country, r.Family, string(r.Kind)).Inc()
			logger.Warn("syncer", "Country sync failed",
				"country", r.Country, "family", r.Family, "kind", string(r.Kind), "error", r.Error)
			continue
		}
		summary.Succeeded++
		summary.TotalEntries += r.Entries
		if r.SetName != "" {
			setEntries.WithLabelValues(r.SetName).Set(float64(r.Entries))
		}
	}

	if s.cfg.Firewall.Enabled {
		diff, err := s.reconcile()
		if err != nil {
			syncPassesTotal.WithLabelValues("error").Inc()
			summary.Duration = time.Since(start)
			s.setLastSummary(summary)
			return summary, err
		}
		summary.RulesAdded = diff.Added
		summary.RulesRemoved = diff.Removed
	}

	summary.Duration = time.Since(start)
	if summary.Failed > 0 {
		syncPassesTotal.WithLabelValues("partial").Inc()
	} else {
		syncPassesTotal.WithLabelValues("ok").Inc()
	}
	s.setLastSummary(summary)
	logger.Info("syncer", "Sync pass complete",
		"succeeded", summary.Succeeded, "failed", summary.Failed,
		"entries", summary.TotalEntries, "duration", summary.Duration.String())
	return summary, nil
}

// syncPair fetches, parses and loads one country/family list. A fetch
// failure leaves an existing set untouched; when the set does not exist
// yet, the last cached zone file is used so a fresh host still gets
// protection from stale-but-real data. With set management disabled the
// pair stops after persisting the zone file.
func (s *Syncer) syncPair(ctx context.Context, p pair) Result {
	pairStart := time.Now()
	setName := firewall.SetName(s.store.Prefix(), p.country, p.fam)
	res := Result{
		Country: p.country,
		Family:  p.fam.String(),
	}
	if s.cfg.Sets.Enabled {
		res.SetName = setName
	}

	raw, fetchErr := s.client.Fetch(ctx, p.country, p.fam)
	fromCache := false
	if fetchErr != nil {
		if !s.cfg.Sets.Enabled {
			return s.fail(res, fetchErr, pairStart)
		}
		exists, existsErr := s.store.Exists(setName)
		if existsErr == nil && exists {
			return s.fail(res, fetchErr, pairStart)
		}
		cached, cacheErr := s.cache.Read(p.country, p.fam)
		if cacheErr != nil {
			return s.fail(res, fetchErr, pairStart)
		}
		logger.Warn("syncer", "Fetch failed, loading cached zone file",
			"country", p.country, "family", p.fam.String(), "error", fetchErr.Error())
		raw = cached
		fromCache = true
	}

	list, err := source.Parse(raw, p.country, p.fam)
	if err != nil {
		return s.fail(res, err, pairStart)
	}

	if !fromCache {
		if err := s.cache.Write(p.country, p.fam, raw); err != nil {
			logger.Warn("syncer", "Failed to write zone file",
				"country", p.country, "family", p.fam.String(), "error", err.Error())
		}
	}

	if !s.cfg.Sets.Enabled {
		// Set management is off: the zone file is refreshed, the kernel
		// is left alone.
		res.Entries = list.Len()
		res.Duration = time.Since(pairStart)
		logger.Info("syncer", "Zone file refreshed",
			"country", p.country, "family", p.fam.String(), "entries", list.Len())
		return res
	}

	entries, err := s.store.Replace(setName, list)
	if err != nil {
		return s.fail(res, err, pairStart)
	}

	res.Entries = entries
	res.FromCache = fromCache
	res.Duration = time.Since(pairStart)
	logger.Info("syncer", "Country set updated",
		"country", p.country, "family", p.fam.String(), "set", setName, "entries", entries)
	return res
}

func (s *Syncer) fail(res Result, err error, start time.Time) Result {
	res.Error = err.Error()
	res.Kind = errkind.KindOf(err)
	res.Duration = time.Since(start)
	return res
}

// reconcile aligns firewall rules with every owned set that currently
// exists, not just the configured countries. A set left over from a
// removed country keeps its rule until the set itself is destroyed.
func (s *Syncer) reconcile() (firewall.Diff, error) {
	if err := s.reconciler.EnsureChain(); err != nil {
		return firewall.Diff{}, err
	}
	desired, err := s.store.List()
	if err != nil {
		return firewall.Diff{}, err
	}
	sort.Strings(desired)
	return s.reconciler.Reconcile(desired)
}

// DestroySet removes one set and the rule referencing it. The rule has
// to go first or the kernel refuses to drop the set.
func (s *Syncer) DestroySet(name string) error {
	if !s.mu.TryLock() {
		return errkind.Newf(errkind.KindBusy, "syncer.DestroySet", "a sync pass is already running")
	}
	defer s.mu.Unlock()

	if s.cfg.Firewall.Enabled {
		existing, err := s.store.List()
		if err != nil {
			return err
		}
		desired := existing[:0]
		for _, n := range existing {
			if n != name {
				desired = append(desired, n)
			}
		}
		if _, err := s.reconciler.Reconcile(desired); err != nil {
			return err
		}
	}

	return s.store.Destroy(name)
}

// Rules reports the chain's owned rules with their traffic counters.
func (s *Syncer) Rules() ([]firewall.RuleInfo, error) {
	return s.reconciler.Rules()
}

// Reconcile exposes rule reconciliation on its own, for the repair
// operation surfaced by the API.
func (s *Syncer) Reconcile() (firewall.Diff, error) {
	if !s.mu.TryLock() {
		return firewall.Diff{}, errkind.Newf(errkind.KindBusy, "syncer.Reconcile", "a sync pass is already running")
	}
	defer s.mu.Unlock()
	if err := s.store.EnsureTable(); err != nil {
		return firewall.Diff{}, err
	}
	return s.reconcile()
}
