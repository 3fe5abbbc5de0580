package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// configFile is the config.toml structure. Grounded on the teacher's
// ConfigFile (config.go); narrowed to this spec's §6 configuration surface.
type configFile struct {
	ListenAddr     string `toml:"listen_addr"`
	UpstreamURL    string `toml:"upstream_url"`
	RequestTimeout string `toml:"request_timeout"`
	ConcurrencyLim int    `toml:"concurrency_limit"`

	OAuth oauthConfigFile `toml:"oauth"`
	Admin adminConfigFile `toml:"admin"`
}

type oauthConfigFile struct {
	CredentialFile   string   `toml:"credential_file"`
	CooldownSeconds  int      `toml:"cooldown_seconds"`
	RefreshInterval  string   `toml:"refresh_interval"`
	RefreshThreshold string   `toml:"refresh_threshold"`
	AccountIDs       []string `toml:"account_ids"`
}

type adminConfigFile struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// config is the fully resolved runtime configuration, after the CLI >
// environment > file > defaults precedence chain (§6) has been applied.
type config struct {
	listenAddr     string
	upstreamURL    string
	requestTimeout time.Duration
	concurrency    int

	credentialFile   string
	cooldown         time.Duration
	refreshInterval  time.Duration
	refreshThreshold time.Duration
	preloadAccounts  []string

	adminEnabled    bool
	adminListenAddr string
}

// loadConfigFile loads config.toml if it exists; returns nil, nil if absent,
// matching the teacher's loadConfigFile (config.go).
func loadConfigFile(path string) (*configFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg configFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// buildConfig resolves the final configuration from CLI flags, environment
// variables, the loaded file, and defaults, in that precedence order.
// Grounded on the teacher's buildConfig/getConfigString family (main.go,
// config.go), generalized to this spec's OAuth-gateway surface.
func buildConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("oauth-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to config.toml")
	listenAddr := fs.String("listen", "", "proxy listen address")
	upstreamURL := fs.String("upstream", "", "upstream API base URL")
	credentialFile := fs.String("credential-file", "", "path to the OAuth credential store")
	adminListenAddr := fs.String("admin-listen", "", "admin surface listen address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	file, err := loadConfigFile(*configPath)
	if err != nil {
		return nil, err
	}
	if file == nil {
		file = &configFile{}
	}

	cfg := &config{
		listenAddr:       firstNonEmpty(*listenAddr, getConfigString("OAUTH_GATEWAY_LISTEN", file.ListenAddr, ":8080")),
		upstreamURL:      firstNonEmpty(*upstreamURL, getConfigString("OAUTH_GATEWAY_UPSTREAM", file.UpstreamURL, "https://api.anthropic.com")),
		requestTimeout:   parseDurationOr(getConfigString("OAUTH_GATEWAY_REQUEST_TIMEOUT", file.RequestTimeout, "120s"), 120*time.Second),
		concurrency:      getConfigInt("OAUTH_GATEWAY_CONCURRENCY", file.ConcurrencyLim, 32),
		credentialFile:   firstNonEmpty(*credentialFile, getConfigString("OAUTH_GATEWAY_CREDENTIAL_FILE", file.OAuth.CredentialFile, "credentials.json")),
		cooldown:         durationFromSeconds(getConfigInt("OAUTH_GATEWAY_COOLDOWN_SECONDS", file.OAuth.CooldownSeconds, 7200)),
		refreshInterval:  parseDurationOr(getConfigString("OAUTH_GATEWAY_REFRESH_INTERVAL", file.OAuth.RefreshInterval, "5m"), 5*time.Minute),
		refreshThreshold: parseDurationOr(getConfigString("OAUTH_GATEWAY_REFRESH_THRESHOLD", file.OAuth.RefreshThreshold, "15m"), 15*time.Minute),
		preloadAccounts:  file.OAuth.AccountIDs,
		adminEnabled:     getConfigBool("OAUTH_GATEWAY_ADMIN_ENABLED", file.Admin.Enabled, true),
		adminListenAddr:  firstNonEmpty(*adminListenAddr, getConfigString("OAUTH_GATEWAY_ADMIN_LISTEN", file.Admin.ListenAddr, "127.0.0.1:8081")),
	}

	if cfg.upstreamURL == "" {
		return nil, ErrConfiguration
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func durationFromSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
