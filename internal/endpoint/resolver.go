// Package endpoint resolves how to reach the gateway daemon: its URL and
// the auth material to present, from environment overrides, the daemon's
// JSON config file and the launcher manifest, in that order of precedence.
package endpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Environment variables consulted by the resolver. An explicit value always
// wins over file-derived values; empty or whitespace-only values count as
// absent.
const (
	EnvURL      = "ROOST_GATEWAY_URL"
	EnvScheme   = "ROOST_GATEWAY_SCHEME"
	EnvHost     = "ROOST_GATEWAY_HOST"
	EnvPort     = "ROOST_GATEWAY_PORT"
	EnvToken    = "ROOST_GATEWAY_TOKEN"
	EnvPassword = "ROOST_GATEWAY_PASSWORD"
)

// Endpoint is the resolved {url, token, password} triple for one connect
// attempt.
type Endpoint struct {
	URL       string
	AuthToken string
	Password  string
}

// Defaults are the caller-supplied fallbacks, consulted last.
type Defaults struct {
	URL      string
	Token    string
	Password string
	Port     int
}

// gatewayConfig is the daemon's JSON config file. Local mode reads the
// "gateway" block; remote mode reads "remote" instead.
type gatewayConfig struct {
	Gateway configBlock `json:"gateway"`
	Remote  configBlock `json:"remote"`
}

type configBlock struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// manifest is the launcher-supervisor manifest written next to the daemon
// state, recording where an already-launched daemon listens.
type manifest struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// Resolver computes and caches the endpoint. Callers must not assume the
// underlying sources are re-read per call; Refresh recomputes explicitly.
type Resolver struct {
	ConfigPath   string
	ManifestPath string
	Mode         string // "local" or "remote"
	Defaults     Defaults

	lookup func(string) string
	logger *slog.Logger

	mu     sync.Mutex
	cached *Endpoint
}

// New creates a Resolver. mode selects which config sub-key applies.
func New(configPath, manifestPath, mode string, defaults Defaults, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		ConfigPath:   configPath,
		ManifestPath: manifestPath,
		Mode:         mode,
		Defaults:     defaults,
		lookup:       os.Getenv,
		logger:       logger,
	}
}

// Endpoint returns the cached endpoint, resolving on first call.
func (r *Resolver) Endpoint() (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return *r.cached, nil
	}
	return r.resolveLocked()
}

// Refresh recomputes the endpoint from all sources, replacing the cache.
func (r *Resolver) Refresh() (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked()
}

func (r *Resolver) resolveLocked() (Endpoint, error) {
	cfg := r.readConfig()
	man := r.readManifest()

	block := cfg.Gateway
	if r.Mode == "remote" {
		block = cfg.Remote
	}

	rawURL := firstPresent(
		r.env(EnvURL),
		block.URL,
		portURL(man.Port),
		r.Defaults.URL,
		portURL(r.Defaults.Port),
	)
	if rawURL == "" {
		return Endpoint{}, fmt.Errorf("endpoint: no gateway url from environment, config, manifest or defaults")
	}

	rawURL, err := r.applyURLOverrides(rawURL)
	if err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{
		URL: rawURL,
		AuthToken: firstPresent(
			r.env(EnvToken),
			block.Token,
			man.Token,
			r.Defaults.Token,
		),
		Password: firstPresent(
			r.env(EnvPassword),
			block.Password,
			r.Defaults.Password,
		),
	}
	r.cached = &ep
	r.logger.Debug("resolved gateway endpoint", "url", ep.URL, "has_token", ep.AuthToken != "")
	return ep, nil
}

// applyURLOverrides rewrites scheme/host/port pieces when their individual
// env overrides are set. EnvURL (handled earlier) still wins wholesale.
func (r *Resolver) applyURLOverrides(rawURL string) (string, error) {
	scheme := r.env(EnvScheme)
	host := r.env(EnvHost)
	port := r.env(EnvPort)
	if scheme == "" && host == "" && port == "" {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("endpoint: parse url %q: %w", rawURL, err)
	}
	if scheme != "" {
		u.Scheme = scheme
	}
	h := u.Hostname()
	p := u.Port()
	if host != "" {
		h = host
	}
	if port != "" {
		p = port
	}
	if p != "" {
		u.Host = h + ":" + p
	} else {
		u.Host = h
	}
	return u.String(), nil
}

func (r *Resolver) readConfig() gatewayConfig {
	var cfg gatewayConfig
	if r.ConfigPath == "" {
		return cfg
	}
	data, err := os.ReadFile(r.ConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("gateway config unreadable", "path", r.ConfigPath, "error", err)
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		r.logger.Warn("gateway config malformed", "path", r.ConfigPath, "error", err)
		return gatewayConfig{}
	}
	return cfg
}

func (r *Resolver) readManifest() manifest {
	var man manifest
	if r.ManifestPath == "" {
		return man
	}
	data, err := os.ReadFile(r.ManifestPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("launcher manifest unreadable", "path", r.ManifestPath, "error", err)
		}
		return man
	}
	if err := json.Unmarshal(data, &man); err != nil {
		r.logger.Warn("launcher manifest malformed", "path", r.ManifestPath, "error", err)
		return manifest{}
	}
	return man
}

func (r *Resolver) env(key string) string {
	return strings.TrimSpace(r.lookup(key))
}

// firstPresent returns the first candidate that is not empty after
// trimming whitespace.
func firstPresent(candidates ...string) string {
	for _, c := range candidates {
		if s := strings.TrimSpace(c); s != "" {
			return s
		}
	}
	return ""
}

func portURL(port int) string {
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", port)
}
