// internal/geoip/geoip.go
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"cbfw/internal/config"
	"cbfw/internal/logger"
)

// Resolver maps addresses to ISO country codes via a local MaxMind
// database. It is optional: with no database configured every lookup
// returns an empty code.
type Resolver struct {
	db     *geoip2.Reader
	config *config.GeoIPConfig
}

func NewResolver(cfg *config.GeoIPConfig) *Resolver {
	return &Resolver{config: cfg}
}

func (r *Resolver) Initialize() error {
	if r.config.MMDBPath == "" {
		logger.Warn("geoip", "GeoIP database path not configured, lookups disabled")
		return nil
	}

	db, err := geoip2.Open(r.config.MMDBPath)
	if err != nil {
		return err
	}
	r.db = db

	logger.Info("geoip", "GeoIP database loaded", "path", r.config.MMDBPath)
	return nil
}

func (r *Resolver) Enabled() bool {
	return r.db != nil
}

// Country returns the lower-case ISO code for ip, or "" when the
// database is unavailable or has no record.
func (r *Resolver) Country(ip net.IP) string {
	if r.db == nil {
		return ""
	}

	record, err := r.db.Country(ip)
	if err != nil {
		return ""
	}

	return strings.ToLower(record.Country.IsoCode)
}

func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
