// internal/api/api_test.go
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbfw/internal/config"
	"cbfw/internal/firewall"
	"cbfw/internal/geoip"
	"cbfw/internal/source"
	"cbfw/internal/syncer"
)

// testHarness wires a full stack against a fake zone source and an
// in-memory firewall.
type testHarness struct {
	api   *APIServer
	store *firewall.SetStore
	zones map[string]string
}

func newTestHarness(t *testing.T, codes ...string) *testHarness {
	t.Helper()

	zones := map[string]string{
		"cn": "1.0.1.0/24\n1.0.2.0/23\n",
		"ru": "5.0.0.0/8\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for cc, body := range zones {
			if r.URL.Path == "/"+cc+"-aggregated.zone" {
				w.Write([]byte(body))
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Countries.Codes = codes
	cfg.Source.IPv4BaseURL = srv.URL
	cfg.Source.IPv6BaseURL = srv.URL + "/v6"
	cfg.Source.HTTPTimeout = 2 * time.Second
	cfg.Source.HTTPRetries = 1
	cfg.Source.HTTPRetryDelay = time.Millisecond
	cfg.Source.OutputDir = t.TempDir()
	cfg.Sets.EnableIPv6 = false

	conn := firewall.NewMemConn()
	store := firewall.NewSetStore(conn, cfg.Firewall.TableName, cfg.Sets.Prefix, firewall.CapacityHints{
		HashSize:   cfg.Sets.HashSize,
		MaxElement: cfg.Sets.MaxElement,
	})
	require.NoError(t, store.EnsureTable())
	rec := firewall.NewReconciler(conn, store.Table(), cfg.Firewall.Chain, cfg.Firewall.Action)

	sync := syncer.New(cfg, source.NewClient(&cfg.Source), source.NewZoneCache(cfg.Source.OutputDir), store, rec)
	geo := geoip.NewResolver(&cfg.GeoIP)

	return &testHarness{
		api:   NewAPIServer(cfg, store, sync, geo, "test"),
		store: store,
		zones: zones,
	}
}

func (h *testHarness) request(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.api.Router().ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (h *testHarness) sync(t *testing.T) {
	t.Helper()
	w, _ := h.request(t, "POST", "/sync")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestHarness(t, "cn", "ru")
	h.sync(t)

	w, body := h.request(t, "GET", "/status")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(2), body["sets"])
	assert.Equal(t, false, body["geoip_available"])
	assert.NotNil(t, body["last_sync"])
}

func TestSyncEndpoint(t *testing.T) {
	h := newTestHarness(t, "cn", "ru")

	w, body := h.request(t, "POST", "/sync")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, float64(2), body["succeeded"])
	assert.Equal(t, float64(0), body["failed"])
	assert.Equal(t, float64(3), body["total_entries"])
}

func TestSetsEndpoints(t *testing.T) {
	h := newTestHarness(t, "cn")
	h.sync(t)

	w, body := h.request(t, "GET", "/sets")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	w, body = h.request(t, "GET", "/sets/ipdeny-cn-v4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ipdeny-cn-v4", body["name"])
	assert.Equal(t, float64(2), body["entries"])

	w, body = h.request(t, "GET", "/sets/ipdeny-cn-v4?elements=true")
	require.Equal(t, http.StatusOK, w.Code)
	elements, ok := body["elements"].([]interface{})
	require.True(t, ok)
	assert.Len(t, elements, 2)

	w, _ = h.request(t, "GET", "/sets/unrelated")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlushEndpoints(t *testing.T) {
	h := newTestHarness(t, "cn", "ru")
	h.sync(t)

	w, _ := h.request(t, "POST", "/sets/ipdeny-cn-v4/flush")
	require.Equal(t, http.StatusOK, w.Code)

	prefixes, err := h.store.Elements("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	w, body := h.request(t, "POST", "/flush")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["flushed"])
}

func TestDestroyEndpoint(t *testing.T) {
	h := newTestHarness(t, "cn")
	h.sync(t)

	// Destroy removes the referencing rule along with the set.
	w, _ := h.request(t, "DELETE", "/sets/ipdeny-cn-v4")
	require.Equal(t, http.StatusOK, w.Code)

	exists, err := h.store.Exists("ipdeny-cn-v4")
	require.NoError(t, err)
	assert.False(t, exists)

	w, _ = h.request(t, "DELETE", "/sets/unrelated")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckEndpoint(t *testing.T) {
	h := newTestHarness(t, "cn")
	h.sync(t)

	w, body := h.request(t, "GET", "/check?ip=1.0.1.55")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, "ipdeny-cn-v4", body["set_name"])

	w, body = h.request(t, "GET", "/check?ip=8.8.8.8")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["blocked"])

	w, _ = h.request(t, "GET", "/check?ip=not-an-ip")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.request(t, "GET", "/check")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	h := newTestHarness(t, "cn")
	h.sync(t)

	w, body := h.request(t, "POST", "/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["added"])
	assert.Equal(t, float64(0), body["removed"])
}
