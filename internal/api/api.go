// internal/api/api.go
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cbfw/internal/config"
	"cbfw/internal/errkind"
	"cbfw/internal/firewall"
	"cbfw/internal/geoip"
	"cbfw/internal/logger"
	"cbfw/internal/syncer"
)

type APIServer struct {
	config    *config.Config
	store     *firewall.SetStore
	syncer    *syncer.Syncer
	geo       *geoip.Resolver
	router    *mux.Router
	server    *http.Server
	version   string
	startTime time.Time
}

type StatusResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	Uptime         string          `json:"uptime"`
	Countries      []string        `json:"countries"`
	Sets           int             `json:"sets"`
	GeoIPAvailable bool            `json:"geoip_available"`
	LastSync       *syncer.Summary `json:"last_sync,omitempty"`
}

type SetResponse struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	MemoryBytes int    `json:"memory_bytes"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
}

type CheckResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country,omitempty"`
	Blocked bool   `json:"blocked"`
	SetName string `json:"set_name,omitempty"`
}

func NewAPIServer(cfg *config.Config, store *firewall.SetStore, sync *syncer.Syncer, geo *geoip.Resolver, version string) *APIServer {
	api := &APIServer{
		config:    cfg,
		store:     store,
		syncer:    sync,
		geo:       geo,
		router:    mux.NewRouter(),
		version:   version,
		startTime: time.Now(),
	}

	api.setupRoutes()
	return api
}

func (a *APIServer) Router() http.Handler {
	return a.router
}

// Start serves the API on addr and blocks until Stop is called.
func (a *APIServer) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	logger.Info("api", "API server listening", "addr", addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *APIServer) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *APIServer) setupRoutes() {
	a.router.HandleFunc("/status", a.handleStatus).Methods("GET")
	a.router.HandleFunc("/check", a.handleCheck).Methods("GET")

	a.router.HandleFunc("/sets", a.handleSetsList).Methods("GET")
	a.router.HandleFunc("/sets/{name}", a.handleSetGet).Methods("GET")
	a.router.HandleFunc("/sets/{name}", a.handleSetDestroy).Methods("DELETE")
	a.router.HandleFunc("/sets/{name}/flush", a.handleSetFlush).Methods("POST")
	a.router.HandleFunc("/flush", a.handleFlushAll).Methods("POST")

	a.router.HandleFunc("/sync", a.handleSync).Methods("POST")
	a.router.HandleFunc("/reconcile", a.handleReconcile).Methods("POST")

	// Prometheus metrics
	a.router.Handle("/prometheus", promhttp.Handler())

	a.router.Use(a.loggingMiddleware)
}

func (a *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.List()
	if err != nil {
		a.writeErrorResponse(w, "Failed to list sets", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		Status:         "running",
		Version:        a.version,
		Uptime:         time.Since(a.startTime).Round(time.Second).String(),
		Countries:      a.config.Countries.Codes,
		Sets:           len(names),
		GeoIPAvailable: a.geo != nil && a.geo.Enabled(),
		LastSync:       a.syncer.LastSummary(),
	}

	a.writeJSONResponse(w, resp)
}

func (a *APIServer) handleSetsList(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.List()
	if err != nil {
		a.writeErrorResponse(w, "Failed to list sets", http.StatusInternalServerError)
		return
	}

	sets := make([]SetResponse, 0, len(names))
	for _, name := range names {
		resp, err := a.setResponse(name)
		if err != nil {
			a.writeErrorResponse(w, "Failed to read set "+name, http.StatusInternalServerError)
			return
		}
		sets = append(sets, resp)
	}

	a.writeJSONResponse(w, map[string]interface{}{
		"sets":  sets,
		"count": len(sets),
	})
}

func (a *APIServer) setResponse(name string) (SetResponse, error) {
	stats, err := a.store.Stats(name)
	if err != nil {
		return SetResponse{}, err
	}

	resp := SetResponse{
		Name:        stats.Name,
		Entries:     stats.Entries,
		MemoryBytes: stats.MemoryBytes,
	}

	rules, err := a.syncer.Rules()
	if err == nil {
		for _, rule := range rules {
			if rule.SetName == name {
				resp.Packets = rule.Packets
				resp.Bytes = rule.Bytes
			}
		}
	}

	return resp, nil
}

func (a *APIServer) handleSetGet(w http.ResponseWriter, r *http.Request) {
	name, ok := a.ownedSetFromPath(w, r)
	if !ok {
		return
	}

	resp, err := a.setResponse(name)
	if err != nil {
		a.writeErrorResponse(w, "Set not found", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("elements") == "true" {
		prefixes, err := a.store.Elements(name)
		if err != nil {
			a.writeErrorResponse(w, "Failed to read elements", http.StatusInternalServerError)
			return
		}
		elements := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			elements = append(elements, p.String())
		}
		a.writeJSONResponse(w, map[string]interface{}{
			"set":      resp,
			"elements": elements,
		})
		return
	}

	a.writeJSONResponse(w, resp)
}

func (a *APIServer) handleSetFlush(w http.ResponseWriter, r *http.Request) {
	name, ok := a.ownedSetFromPath(w, r)
	if !ok {
		return
	}

	if err := a.store.Flush(name); err != nil {
		logger.Error("api", "Failed to flush set", "set", name, "error", err.Error())
		a.writeKindError(w, err, "Failed to flush set")
		return
	}

	a.writeJSONResponse(w, map[string]string{"status": "flushed", "set": name})
}

func (a *APIServer) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	flushed, err := a.store.FlushAll()
	if err != nil {
		logger.Error("api", "Failed to flush sets", "error", err.Error())
		a.writeKindError(w, err, "Failed to flush sets")
		return
	}

	a.writeJSONResponse(w, map[string]interface{}{
		"status":  "flushed",
		"flushed": flushed,
	})
}

func (a *APIServer) handleSetDestroy(w http.ResponseWriter, r *http.Request) {
	name, ok := a.ownedSetFromPath(w, r)
	if !ok {
		return
	}

	if err := a.syncer.DestroySet(name); err != nil {
		logger.Error("api", "Failed to destroy set", "set", name, "error", err.Error())
		a.writeKindError(w, err, "Failed to destroy set")
		return
	}

	a.writeJSONResponse(w, map[string]string{"status": "destroyed", "set": name})
}

func (a *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	logger.Info("api", "Sync requested via API")

	summary, err := a.syncer.RunPass(r.Context())
	if err != nil {
		logger.Error("api", "Sync failed", "error", err.Error())
		a.writeKindError(w, err, "Sync failed")
		return
	}

	a.writeJSONResponse(w, summary)
}

func (a *APIServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	diff, err := a.syncer.Reconcile()
	if err != nil {
		logger.Error("api", "Reconcile failed", "error", err.Error())
		a.writeKindError(w, err, "Reconcile failed")
		return
	}

	a.writeJSONResponse(w, diff)
}

// handleCheck reports whether an address falls inside any owned set,
// plus its GeoIP country when a database is loaded.
func (a *APIServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	addr, ok := a.parseAddrFromQuery(w, r)
	if !ok {
		return
	}

	resp := CheckResponse{IP: addr.String()}

	if a.geo != nil {
		resp.Country = a.geo.Country(net.IP(addr.AsSlice()))
	}

	names, err := a.store.List()
	if err != nil {
		a.writeErrorResponse(w, "Failed to list sets", http.StatusInternalServerError)
		return
	}

	for _, name := range names {
		found, err := a.store.Contains(name, addr)
		if err != nil {
			continue
		}
		if found {
			resp.Blocked = true
			resp.SetName = name
			break
		}
	}

	a.writeJSONResponse(w, resp)
}

func (a *APIServer) ownedSetFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["name"]
	if !a.store.Owns(name) {
		a.writeErrorResponse(w, "Unknown set", http.StatusNotFound)
		return "", false
	}
	return name, true
}

func (a *APIServer) parseAddrFromQuery(w http.ResponseWriter, r *http.Request) (netip.Addr, bool) {
	ipStr := r.URL.Query().Get("ip")
	if ipStr == "" {
		a.writeErrorResponse(w, "IP parameter required", http.StatusBadRequest)
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		a.writeErrorResponse(w, "Invalid IP address", http.StatusBadRequest)
		return netip.Addr{}, false
	}

	return addr, true
}

func (a *APIServer) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (a *APIServer) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeKindError maps tagged error kinds onto HTTP status codes.
func (a *APIServer) writeKindError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.KindBusy:
		status = http.StatusConflict
	case errkind.KindCapacity:
		status = http.StatusInsufficientStorage
	case errkind.KindNetwork:
		status = http.StatusBadGateway
	case errkind.KindParse:
		status = http.StatusUnprocessableEntity
	}
	a.writeErrorResponse(w, message+": "+err.Error(), status)
}

func (a *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		logger.Info("api", "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
