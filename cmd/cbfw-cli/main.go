// cmd/cbfw-cli/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	Version        = "1.0.0"
	DefaultAPIBase = "http://localhost:8078"
	DefaultTimeout = 10 * time.Minute
)

// CLI represents the command-line interface
type CLI struct {
	client *APIClient
	config *CLIConfig
}

// CLIConfig holds configuration for the CLI
type CLIConfig struct {
	APIBase string
	Timeout time.Duration
}

// APIClient handles HTTP communication with the cbfw API
type APIClient struct {
	baseURL string
	client  *http.Client
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Handler     func(*CLI, []string) error
}

func main() {
	config := &CLIConfig{
		APIBase: getEnvOrDefault("CBFW_API_BASE", DefaultAPIBase),
		Timeout: DefaultTimeout,
	}

	cli := &CLI{
		client: NewAPIClient(config.APIBase, config.Timeout),
		config: config,
	}

	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (cli *CLI) Run(args []string) error {
	if len(args) == 0 {
		return cli.showUsage()
	}

	commands := cli.getCommands()

	command := args[0]
	cmd, exists := commands[command]
	if !exists {
		return fmt.Errorf("unknown command: %s", command)
	}

	return cmd.Handler(cli, args[1:])
}

func (cli *CLI) getCommands() map[string]*Command {
	return map[string]*Command{
		"status": {
			Name:        "status",
			Description: "Show daemon status and last sync summary",
			Handler:     (*CLI).handleStatus,
		},
		"sets": {
			Name:        "sets",
			Description: "List country sets with entry and traffic counters",
			Handler:     (*CLI).handleSets,
		},
		"show": {
			Name:        "show",
			Description: "Show one set, optionally with its elements",
			Handler:     (*CLI).handleShow,
		},
		"sync": {
			Name:        "sync",
			Description: "Run a sync pass now",
			Handler:     (*CLI).handleSync,
		},
		"reconcile": {
			Name:        "reconcile",
			Description: "Repair firewall rules to match the sets",
			Handler:     (*CLI).handleReconcile,
		},
		"flush": {
			Name:        "flush",
			Description: "Empty one set, or all sets",
			Handler:     (*CLI).handleFlush,
		},
		"destroy": {
			Name:        "destroy",
			Description: "Remove a set and its rule",
			Handler:     (*CLI).handleDestroy,
		},
		"check": {
			Name:        "check",
			Description: "Check whether an IP address is blocked",
			Handler:     (*CLI).handleCheck,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Handler:     (*CLI).handleVersion,
		},
	}
}

func (cli *CLI) showUsage() error {
	fmt.Println("cbfw CLI - Country Block Firewall Manager")
	fmt.Printf("Version: %s\n\n", Version)
	fmt.Println("Usage: cbfw-cli <command> [options]")
	fmt.Println("\nCommands:")

	commands := cli.getCommands()
	for _, cmd := range commands {
		fmt.Printf("  %-12s %s\n", cmd.Name, cmd.Description)
	}

	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  CBFW_API_BASE   API base URL (default: http://localhost:8078)")
	fmt.Println("\nExamples:")
	fmt.Println("  cbfw-cli status")
	fmt.Println("  cbfw-cli sync")
	fmt.Println("  cbfw-cli show ipdeny-cn-v4 --elements")
	fmt.Println("  cbfw-cli check 1.2.3.4")

	return nil
}

// API Client methods
func (ac *APIClient) makeRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	url := ac.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("cbfw-cli/%s", Version))

	resp, err := ac.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func (ac *APIClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return ac.makeRequest(ctx, "GET", endpoint, nil)
}

func (ac *APIClient) Post(ctx context.Context, endpoint string) ([]byte, error) {
	return ac.makeRequest(ctx, "POST", endpoint, nil)
}

func (ac *APIClient) Delete(ctx context.Context, endpoint string) ([]byte, error) {
	return ac.makeRequest(ctx, "DELETE", endpoint, nil)
}

// Command handlers
func (cli *CLI) handleStatus(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	data, err := cli.client.Get(ctx, "/status")
	if err != nil {
		return err
	}

	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("parsing status response: %w", err)
	}

	cli.printStatus(&status)
	return nil
}

func (cli *CLI) handleSets(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	data, err := cli.client.Get(ctx, "/sets")
	if err != nil {
		return err
	}

	var result SetsResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("parsing sets response: %w", err)
	}

	fmt.Printf("Country sets (%d):\n", result.Count)
	for _, set := range result.Sets {
		fmt.Printf("  %-20s %7d entries  %10d packets  %12d bytes\n",
			set.Name, set.Entries, set.Packets, set.Bytes)
	}
	return nil
}

func (cli *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cbfw-cli show <set> [--elements]")
	}

	name := args[0]
	elements := len(args) > 1 && args[1] == "--elements"

	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	endpoint := "/sets/" + url.PathEscape(name)
	if elements {
		endpoint += "?elements=true"
	}

	data, err := cli.client.Get(ctx, endpoint)
	if err != nil {
		return err
	}

	if elements {
		var result SetDetailResponse
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("parsing set response: %w", err)
		}
		cli.printSet(&result.Set)
		fmt.Printf("Elements (%d):\n", len(result.Elements))
		for _, e := range result.Elements {
			fmt.Printf("  %s\n", e)
		}
		return nil
	}

	var set SetResponse
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("parsing set response: %w", err)
	}
	cli.printSet(&set)
	return nil
}

func (cli *CLI) handleSync(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	fmt.Println("Starting sync pass...")
	data, err := cli.client.Post(ctx, "/sync")
	if err != nil {
		return err
	}

	var summary SyncSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return fmt.Errorf("parsing sync response: %w", err)
	}

	cli.printSummary(&summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d country lists failed", summary.Failed, summary.Failed+summary.Succeeded)
	}
	return nil
}

func (cli *CLI) handleReconcile(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	data, err := cli.client.Post(ctx, "/reconcile")
	if err != nil {
		return err
	}

	var diff DiffResponse
	if err := json.Unmarshal(data, &diff); err != nil {
		return fmt.Errorf("parsing reconcile response: %w", err)
	}

	fmt.Printf("Rules reconciled: %d added, %d removed\n", diff.Added, diff.Removed)
	return nil
}

func (cli *CLI) handleFlush(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	if len(args) == 0 {
		data, err := cli.client.Post(ctx, "/flush")
		if err != nil {
			return err
		}
		var result struct {
			Flushed int `json:"flushed"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("parsing flush response: %w", err)
		}
		fmt.Printf("Flushed %d sets\n", result.Flushed)
		return nil
	}

	name := args[0]
	if _, err := cli.client.Post(ctx, "/sets/"+url.PathEscape(name)+"/flush"); err != nil {
		return err
	}
	fmt.Printf("Flushed set %s\n", name)
	return nil
}

func (cli *CLI) handleDestroy(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cbfw-cli destroy <set>")
	}

	name := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	if _, err := cli.client.Delete(ctx, "/sets/"+url.PathEscape(name)); err != nil {
		return err
	}

	fmt.Printf("Destroyed set %s\n", name)
	return nil
}

func (cli *CLI) handleCheck(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cbfw-cli check <ip>")
	}

	ip := args[0]
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.config.Timeout)
	defer cancel()

	data, err := cli.client.Get(ctx, "/check?ip="+url.QueryEscape(ip))
	if err != nil {
		return err
	}

	var result CheckResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("parsing check response: %w", err)
	}

	fmt.Printf("IP: %s\n", result.IP)
	if result.Country != "" {
		fmt.Printf("Country: %s\n", result.Country)
	}
	if result.Blocked {
		fmt.Printf("Blocked: yes (set %s)\n", result.SetName)
	} else {
		fmt.Println("Blocked: no")
	}
	return nil
}

func (cli *CLI) handleVersion(args []string) error {
	fmt.Printf("cbfw-cli v%s\n", Version)
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Response types
type StatusResponse struct {
	Status         string       `json:"status"`
	Version        string       `json:"version"`
	Uptime         string       `json:"uptime"`
	Countries      []string     `json:"countries"`
	Sets           int          `json:"sets"`
	GeoIPAvailable bool         `json:"geoip_available"`
	LastSync       *SyncSummary `json:"last_sync"`
}

type SetResponse struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	MemoryBytes int    `json:"memory_bytes"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
}

type SetsResponse struct {
	Sets  []SetResponse `json:"sets"`
	Count int           `json:"count"`
}

type SetDetailResponse struct {
	Set      SetResponse `json:"set"`
	Elements []string    `json:"elements"`
}

type SyncSummary struct {
	StartedAt    time.Time    `json:"started_at"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	TotalEntries int          `json:"total_entries"`
	RulesAdded   int          `json:"rules_added"`
	RulesRemoved int          `json:"rules_removed"`
	Results      []SyncResult `json:"results"`
}

type SyncResult struct {
	Country   string `json:"country"`
	Family    string `json:"family"`
	SetName   string `json:"set_name"`
	Entries   int    `json:"entries"`
	FromCache bool   `json:"from_cache"`
	Error     string `json:"error"`
}

type DiffResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

type CheckResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Blocked bool   `json:"blocked"`
	SetName string `json:"set_name"`
}

// Print functions
func (cli *CLI) printStatus(status *StatusResponse) {
	fmt.Printf("Status: %s\n", status.Status)
	fmt.Printf("Version: %s\n", status.Version)
	fmt.Printf("Uptime: %s\n", status.Uptime)
	fmt.Printf("Countries: %s\n", strings.Join(status.Countries, " "))
	fmt.Printf("Sets: %d\n", status.Sets)
	fmt.Printf("GeoIP Available: %t\n", status.GeoIPAvailable)

	if status.LastSync != nil {
		fmt.Println("Last sync:")
		fmt.Printf("  Started: %s\n", status.LastSync.StartedAt.Format(time.RFC3339))
		fmt.Printf("  Succeeded: %d, Failed: %d\n", status.LastSync.Succeeded, status.LastSync.Failed)
		fmt.Printf("  Total entries: %d\n", status.LastSync.TotalEntries)
	}
}

func (cli *CLI) printSet(set *SetResponse) {
	fmt.Printf("Set: %s\n", set.Name)
	fmt.Printf("Entries: %d\n", set.Entries)
	fmt.Printf("Memory: %d bytes\n", set.MemoryBytes)
	fmt.Printf("Packets: %d\n", set.Packets)
	fmt.Printf("Bytes: %d\n", set.Bytes)
}

func (cli *CLI) printSummary(summary *SyncSummary) {
	for _, r := range summary.Results {
		if r.Error != "" {
			fmt.Printf("  %-16s FAILED: %s\n", r.SetName, r.Error)
			continue
		}
		cached := ""
		if r.FromCache {
			cached = " (from cache)"
		}
		fmt.Printf("  %-16s %d entries%s\n", r.SetName, r.Entries, cached)
	}
	fmt.Printf("Sync complete: %d succeeded, %d failed, %d total entries\n",
		summary.Succeeded, summary.Failed, summary.TotalEntries)
	fmt.Printf("Rules: %d added, %d removed\n", summary.RulesAdded, summary.RulesRemoved)
}
