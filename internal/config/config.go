// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Countries CountriesConfig
	Source    SourceConfig
	Sets      SetsConfig
	Firewall  FirewallConfig
	Sync      SyncConfig
	GeoIP     GeoIPConfig
	API       APIConfig
	Log       LogConfig
}

type CountriesConfig struct {
	// Codes holds lower-case two-letter country codes, space separated in
	// the config file.
	Codes []string
}

type SourceConfig struct {
	IPv4BaseURL    string
	IPv6BaseURL    string
	HTTPTimeout    time.Duration
	HTTPRetries    int
	HTTPRetryDelay time.Duration
	OutputDir      string
}

type SetsConfig struct {
	Enabled    bool
	Prefix     string
	HashSize   int
	MaxElement int
	EnableIPv4 bool
	EnableIPv6 bool
}

type FirewallConfig struct {
	Enabled   bool
	TableName string
	Chain     string
	Action    string // "deny" or "permit"
}

type SyncConfig struct {
	Interval    time.Duration
	Concurrency int
}

type GeoIPConfig struct {
	MMDBPath string
}

type APIConfig struct {
	Listen string
}

type LogConfig struct {
	Level string
	// File is the log destination; empty means stdout.
	File string
}

// Defaults mirror the original /etc/ipdeny/ipdeny.conf shipped defaults.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			IPv4BaseURL:    "http://www.ipdeny.com/ipblocks/data/aggregated",
			IPv6BaseURL:    "http://www.ipdeny.com/ipv6/ipaddresses/aggregated",
			HTTPTimeout:    30 * time.Second,
			HTTPRetries:    3,
			HTTPRetryDelay: 5 * time.Second,
			OutputDir:      "/var/lib/cbfw",
		},
		Sets: SetsConfig{
			Enabled:    true,
			Prefix:     "ipdeny",
			HashSize:   4096,
			MaxElement: 65536,
			EnableIPv4: true,
			EnableIPv6: true,
		},
		Firewall: FirewallConfig{
			Enabled:   true,
			TableName: "cbfw",
			Chain:     "input",
			Action:    "deny",
		},
		Sync: SyncConfig{
			Interval:    24 * time.Hour,
			Concurrency: 3,
		},
		API: APIConfig{
			Listen: ":8078",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := parseINI(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func ValidateConfig(cfg *Config) error {
	if cfg.Firewall.Action != "deny" && cfg.Firewall.Action != "permit" {
		return fmt.Errorf("invalid firewall action %q: must be 'deny' or 'permit'", cfg.Firewall.Action)
	}

	if cfg.Source.HTTPTimeout <= 0 {
		return fmt.Errorf("invalid http_timeout: must be positive")
	}

	if cfg.Source.HTTPRetries < 1 {
		return fmt.Errorf("invalid http_retries: must be at least 1")
	}

	if cfg.Source.HTTPRetryDelay <= 0 {
		return fmt.Errorf("invalid http_retry_delay: must be positive")
	}

	if cfg.Sets.MaxElement < 1 {
		return fmt.Errorf("invalid maxelem: must be at least 1")
	}

	if cfg.Sync.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency: must be at least 1")
	}

	for _, cc := range cfg.Countries.Codes {
		if len(cc) != 2 {
			return fmt.Errorf("invalid country code %q: must be two letters", cc)
		}
	}

	if !cfg.Sets.EnableIPv4 && !cfg.Sets.EnableIPv6 {
		return fmt.Errorf("at least one of enable_ipv4/enable_ipv6 must be set")
	}

	return nil
}

func parseINI(data []byte, cfg *Config) error {
	lines := strings.Split(string(data), "\n")
	var currentSection string

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = line[1 : len(line)-1]
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		// Trailing comments after the value are allowed, as in the
		// original conf format.
		if idx := strings.Index(value, "#"); idx >= 0 {
			value = strings.TrimSpace(value[:idx])
		}
		value = strings.Trim(value, `"'`)

		if err := setConfigValue(cfg, currentSection, key, value); err != nil {
			return fmt.Errorf("error setting %s.%s: %w", currentSection, key, err)
		}
	}

	return nil
}

func setConfigValue(cfg *Config, section, key, value string) error {
	switch section {
	case "countries":
		return setCountriesConfig(&cfg.Countries, key, value)
	case "source":
		return setSourceConfig(&cfg.Source, key, value)
	case "sets":
		return setSetsConfig(&cfg.Sets, key, value)
	case "firewall":
		return setFirewallConfig(&cfg.Firewall, key, value)
	case "sync":
		return setSyncConfig(&cfg.Sync, key, value)
	case "geoip":
		return setGeoIPConfig(&cfg.GeoIP, key, value)
	case "api":
		return setAPIConfig(&cfg.API, key, value)
	case "log":
		return setLogConfig(&cfg.Log, key, value)
	}
	return nil
}

func setCountriesConfig(cfg *CountriesConfig, key, value string) error {
	switch key {
	case "codes":
		cfg.Codes = nil
		for _, cc := range strings.Fields(value) {
			cfg.Codes = append(cfg.Codes, strings.ToLower(cc))
		}
	}
	return nil
}

func setSourceConfig(cfg *SourceConfig, key, value string) error {
	switch key {
	case "ipv4_base_url":
		cfg.IPv4BaseURL = value
	case "ipv6_base_url":
		cfg.IPv6BaseURL = value
	case "http_timeout":
		d, err := parseDurationOrSeconds(value)
		if err != nil {
			return err
		}
		cfg.HTTPTimeout = d
	case "http_retries":
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.HTTPRetries = i
	case "http_retry_delay":
		d, err := parseDurationOrSeconds(value)
		if err != nil {
			return err
		}
		cfg.HTTPRetryDelay = d
	case "output_dir":
		cfg.OutputDir = value
	}
	return nil
}

func setSetsConfig(cfg *SetsConfig, key, value string) error {
	switch key {
	case "enabled":
		cfg.Enabled = value == "true"
	case "prefix":
		cfg.Prefix = value
	case "hashsize":
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.HashSize = i
	case "maxelem":
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.MaxElement = i
	case "enable_ipv4":
		cfg.EnableIPv4 = value == "true"
	case "enable_ipv6":
		cfg.EnableIPv6 = value == "true"
	}
	return nil
}

func setFirewallConfig(cfg *FirewallConfig, key, value string) error {
	switch key {
	case "enabled":
		cfg.Enabled = value == "true"
	case "table":
		cfg.TableName = value
	case "chain":
		cfg.Chain = value
	case "action":
		cfg.Action = strings.ToLower(value)
	}
	return nil
}

func setSyncConfig(cfg *SyncConfig, key, value string) error {
	switch key {
	case "interval":
		d, err := parseDurationOrSeconds(value)
		if err != nil {
			return err
		}
		cfg.Interval = d
	case "concurrency":
		i, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Concurrency = i
	}
	return nil
}

func setGeoIPConfig(cfg *GeoIPConfig, key, value string) error {
	switch key {
	case "mmdb_path":
		cfg.MMDBPath = value
	}
	return nil
}

func setAPIConfig(cfg *APIConfig, key, value string) error {
	switch key {
	case "listen":
		cfg.Listen = value
	}
	return nil
}

func setLogConfig(cfg *LogConfig, key, value string) error {
	switch key {
	case "level":
		cfg.Level = strings.ToLower(value)
	case "file":
		cfg.File = value
	}
	return nil
}

// parseDurationOrSeconds accepts either Go duration syntax ("30s") or a
// bare number of seconds, which is what the original conf format used.
func parseDurationOrSeconds(value string) (time.Duration, error) {
	if i, err := strconv.Atoi(value); err == nil {
		return time.Duration(i) * time.Second, nil
	}
	return time.ParseDuration(value)
}
