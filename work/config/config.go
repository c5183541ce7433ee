package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the live stream resolver.
// It includes the playback API location, quality preferences, probing timeouts,
// refresh windows, playout cadence policy knobs, and the CDN rule table.
type Config struct {
	BaseURL            string        `json:"baseURL"`            // Base URL for the application (used for links in generated output)
	ListenPort         int           `json:"listenPort"`         // HTTP listen port for the facade
	APIHost            string        `json:"apiHost"`            // Playback/metadata API host (override to bypass cloud blocking)
	Quality            int           `json:"quality"`            // Quality tier parameter sent to the playback API
	LowLatency         bool          `json:"lowLatency"`         // Pace playlist reloads by the newest segment's duration
	AdSkipAware        bool          `json:"adSkipAware"`        // Announce pre-roll ad windows at stream start
	PreferUnencrypted  bool          `json:"preferUnencrypted"`  // Normalize resolved URLs to plain http for downstream players
	FixedReloadCadence time.Duration `json:"fixedReloadCadence"` // Uniform reload interval override; zero disables
	URLValidity        time.Duration `json:"urlValidity"`        // How long a resolved URL is considered fresh
	RefreshGuard       time.Duration `json:"refreshGuard"`       // Margin before expiry at which a refresh is forced
	ProbeTimeout       time.Duration `json:"probeTimeout"`       // Per-candidate reachability probe timeout
	MirrorProbeTimeout time.Duration `json:"mirrorProbeTimeout"` // Timeout for mirror redirect probes
	APITimeout         time.Duration `json:"apiTimeout"`         // Timeout for metadata/playback API calls
	APIRateLimit       int           `json:"apiRateLimit"`       // Outbound requests per second toward the API and CDN nodes
	RoomCacheSize      int           `json:"roomCacheSize"`      // Maximum cached room lookups
	RoomCacheTTL       time.Duration `json:"roomCacheTTL"`       // How long room lookups stay cached
	SessionIdleTimeout time.Duration `json:"sessionIdleTimeout"` // Idle time before a playback session is reaped
	WorkerThreads      int           `json:"workerThreads"`      // Size of the playout worker pool
	UserAgent          string        `json:"userAgent"`          // HTTP User-Agent header for all outbound requests
	Referer            string        `json:"referer"`            // HTTP Referer header sent to the API and CDN nodes
	HistoryPath        string        `json:"historyPath"`        // SQLite file for resolution/probe history; empty disables
	AdSegmentRegex     string        `json:"adSegmentRegex"`     // Pattern marking a playlist segment as inserted advertising
	Debug              bool          `json:"debug"`              // Enable debug logging
	ObfuscateUrls      bool          `json:"obfuscateUrls"`      // Obfuscate URLs in logs for security
	CDNRules           []CDNRule     `json:"cdnRules"`           // Host match rules applied during candidate probing
}

// CDNRule is one entry of the CDN rewrite table. The table is configuration
// data rather than code: the specific hosts the CDN misroutes or blocks change
// independently of the resolution algorithm.
//
// Actions:
//   - "mirror": probe the same path on Host expecting a redirect (or a text
//     body whose last line is a URL) pointing at the real node
//   - "rewrite": substitute Host before the reachability probe
//   - "lastresort": never probe directly, keep as the final fallback
type CDNRule struct {
	Match  string `json:"match"`          // Regular expression matched against the candidate host
	Action string `json:"action"`         // One of "mirror", "rewrite", "lastresort"
	Host   string `json:"host,omitempty"` // Replacement/mirror host for the mirror and rewrite actions
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields are stored as strings (e.g. "60m") and parsed
// into time.Duration values.
type ConfigFile struct {
	BaseURL            string    `json:"baseURL"`
	ListenPort         int       `json:"listenPort"`
	APIHost            string    `json:"apiHost"`
	Quality            int       `json:"quality"`
	LowLatency         bool      `json:"lowLatency"`
	AdSkipAware        bool      `json:"adSkipAware"`
	PreferUnencrypted  bool      `json:"preferUnencrypted"`
	FixedReloadCadence string    `json:"fixedReloadCadence"` // Duration string, "" disables
	URLValidity        string    `json:"urlValidity"`        // Duration string (e.g. "60m")
	RefreshGuard       string    `json:"refreshGuard"`       // Duration string (e.g. "10m")
	ProbeTimeout       string    `json:"probeTimeout"`       // Duration string (e.g. "3s")
	MirrorProbeTimeout string    `json:"mirrorProbeTimeout"` // Duration string (e.g. "15s")
	APITimeout         string    `json:"apiTimeout"`         // Duration string (e.g. "10s")
	APIRateLimit       int       `json:"apiRateLimit"`
	RoomCacheSize      int       `json:"roomCacheSize"`
	RoomCacheTTL       string    `json:"roomCacheTTL"` // Duration string (e.g. "5m")
	SessionIdleTimeout string    `json:"sessionIdleTimeout"`
	WorkerThreads      int       `json:"workerThreads"`
	UserAgent          string    `json:"userAgent"`
	Referer            string    `json:"referer"`
	HistoryPath        string    `json:"historyPath"`
	AdSegmentRegex     string    `json:"adSegmentRegex"`
	Debug              bool      `json:"debug"`
	ObfuscateUrls      bool      `json:"obfuscateUrls"`
	CDNRules           []CDNRule `json:"cdnRules"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultAPIHost is the upstream metadata/playback API used when no override
// is configured.
const DefaultAPIHost = "https://api.live.bilibili.com"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// Attempt to load from file
	configPath := "/settings/config.json"
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	// Debug logging of loaded config
	if config.Debug {
		apiHost := config.APIHost
		if config.ObfuscateUrls {
			apiHost = obfuscateURL(apiHost)
		}
		log.Printf("Configuration loaded:")
		log.Printf("  API host: %s", apiHost)
		log.Printf("  Quality tier: %d", config.Quality)
		log.Printf("  CDN rules: %d configured", len(config.CDNRules))
		log.Printf("  URL validity: %s (guard %s)", config.URLValidity, config.RefreshGuard)
		log.Printf("  Low latency: %v", config.LowLatency)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenPort:        cf.ListenPort,
		APIHost:           cf.APIHost,
		Quality:           cf.Quality,
		LowLatency:        cf.LowLatency,
		AdSkipAware:       cf.AdSkipAware,
		PreferUnencrypted: cf.PreferUnencrypted,
		APIRateLimit:      cf.APIRateLimit,
		RoomCacheSize:     cf.RoomCacheSize,
		WorkerThreads:     cf.WorkerThreads,
		UserAgent:         cf.UserAgent,
		Referer:           cf.Referer,
		HistoryPath:       cf.HistoryPath,
		AdSegmentRegex:    cf.AdSegmentRegex,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		CDNRules:          cf.CDNRules,
	}

	// Parse duration fields; empty strings keep the zero value and are
	// filled in by validateAndSetDefaults.
	var err error
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fixedReloadCadence", cf.FixedReloadCadence, &config.FixedReloadCadence},
		{"urlValidity", cf.URLValidity, &config.URLValidity},
		{"refreshGuard", cf.RefreshGuard, &config.RefreshGuard},
		{"probeTimeout", cf.ProbeTimeout, &config.ProbeTimeout},
		{"mirrorProbeTimeout", cf.MirrorProbeTimeout, &config.MirrorProbeTimeout},
		{"apiTimeout", cf.APITimeout, &config.APITimeout},
		{"roomCacheTTL", cf.RoomCacheTTL, &config.RoomCacheTTL},
		{"sessionIdleTimeout", cf.SessionIdleTimeout, &config.SessionIdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(d.raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://localhost:8080",
		ListenPort:         8080,
		APIHost:            DefaultAPIHost,
		Quality:            4,                // source quality tier
		AdSkipAware:        true,             // announce pre-roll ad windows
		PreferUnencrypted:  true,             // downstream players handle plain http best
		URLValidity:        60 * time.Minute, // resolved URLs go stale after an hour
		RefreshGuard:       10 * time.Minute, // refresh well before expiry
		ProbeTimeout:       3 * time.Second,
		MirrorProbeTimeout: 15 * time.Second,
		APITimeout:         10 * time.Second,
		APIRateLimit:       5,
		RoomCacheSize:      1024,
		RoomCacheTTL:       5 * time.Minute,
		SessionIdleTimeout: 2 * time.Minute,
		WorkerThreads:      8,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
		HistoryPath:        "/settings/resolver-history.db",
		AdSegmentRegex:     `(^|[-_/])ad([-_/.]|$)`,
		CDNRules:           DefaultCDNRules(),
	}
}

// DefaultCDNRules returns the shipped CDN rule table. These hosts and mirrors
// reflect observed CDN behavior, not a stable contract; operators override
// them in the config file as the topology shifts.
func DefaultCDNRules() []CDNRule {
	return []CDNRule{
		{Match: `^d1--cn-gotcha01\.bilivideo\.com$`, Action: "mirror", Host: "d1--ov-gotcha05.bilivideo.com"},
		{Match: `\.mcdn\.bilivideo\.cn$`, Action: "rewrite", Host: "proxy-tf-all-ws.bilivideo.com"},
		{Match: `^cn-gotcha204(-[0-9]+)?\.bilivideo\.com$`, Action: "lastresort"},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8080
	}
	if config.APIHost == "" {
		config.APIHost = DefaultAPIHost
	}
	if config.Quality <= 0 {
		config.Quality = 4
	}
	if config.URLValidity <= 0 {
		config.URLValidity = 60 * time.Minute
	}
	if config.RefreshGuard <= 0 || config.RefreshGuard >= config.URLValidity {
		config.RefreshGuard = 10 * time.Minute
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.MirrorProbeTimeout <= 0 {
		config.MirrorProbeTimeout = 15 * time.Second
	}
	if config.APITimeout <= 0 {
		config.APITimeout = 10 * time.Second
	}
	if config.APIRateLimit <= 0 {
		config.APIRateLimit = 5
	}
	if config.RoomCacheSize <= 0 {
		config.RoomCacheSize = 1024
	}
	if config.RoomCacheTTL <= 0 {
		config.RoomCacheTTL = 5 * time.Minute
	}
	if config.SessionIdleTimeout <= 0 {
		config.SessionIdleTimeout = 2 * time.Minute
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	}
	if config.AdSegmentRegex == "" {
		config.AdSegmentRegex = `(^|[-_/])ad([-_/.]|$)`
	}
	if len(config.CDNRules) == 0 {
		config.CDNRules = DefaultCDNRules()
	}

	// Drop rule entries that can never match or act
	valid := config.CDNRules[:0]
	for _, rule := range config.CDNRules {
		if rule.Match == "" {
			continue
		}
		switch rule.Action {
		case "mirror", "rewrite":
			if rule.Host == "" {
				continue
			}
		case "lastresort":
			// no host needed
		default:
			continue
		}
		valid = append(valid, rule)
	}
	config.CDNRules = valid
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:            "http://localhost:8080",
		ListenPort:         8080,
		APIHost:            DefaultAPIHost,
		Quality:            4,
		LowLatency:         false,
		AdSkipAware:        true,
		PreferUnencrypted:  true,
		FixedReloadCadence: "",
		URLValidity:        "60m",
		RefreshGuard:       "10m",
		ProbeTimeout:       "3s",
		MirrorProbeTimeout: "15s",
		APITimeout:         "10s",
		APIRateLimit:       5,
		RoomCacheSize:      1024,
		RoomCacheTTL:       "5m",
		SessionIdleTimeout: "2m",
		WorkerThreads:      8,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
		Referer:            "",
		HistoryPath:        "/settings/resolver-history.db",
		AdSegmentRegex:     `(^|[-_/])ad([-_/.]|$)`,
		Debug:              false,
		ObfuscateUrls:      true,
		CDNRules:           DefaultCDNRules(),
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
