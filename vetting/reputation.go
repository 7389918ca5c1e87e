package vetting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ai-link-guard/cache"
)

// CredentialStore hands out user-supplied secrets at lookup time.
// A missing credential is a normal state, not an error.
type CredentialStore interface {
	Credential(name string) (string, bool)
}

// EnvCredentials reads credentials from the process environment on every call,
// so a key exported after startup is picked up without a restart.
type EnvCredentials struct{}

func (EnvCredentials) Credential(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// StaticCredentials is an in-memory credential store, checked before the
// environment when chained through Fallback.
type StaticCredentials struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{values: make(map[string]string)}
}

// Set stores a credential; an empty value removes it.
func (s *StaticCredentials) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value = strings.TrimSpace(value)
	if value == "" {
		delete(s.values, name)
		return
	}
	s.values[name] = value
}

func (s *StaticCredentials) Credential(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Fallback consults each store in order and returns the first hit.
type Fallback []CredentialStore

func (f Fallback) Credential(name string) (string, bool) {
	for _, s := range f {
		if v, ok := s.Credential(name); ok {
			return v, true
		}
	}
	return "", false
}

// ReputationStatus classifies a reputation lookup outcome.
type ReputationStatus string

const (
	ReputationNotConfigured ReputationStatus = "not_configured"
	ReputationUnknown       ReputationStatus = "unknown"
	ReputationError         ReputationStatus = "error"
	ReputationFound         ReputationStatus = "found"
)

// AnalysisStats mirrors VirusTotal's last_analysis_stats counters.
type AnalysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout"`
}

// ReputationResult is the typed outcome of a reputation lookup. Clean and
// Malicious are only meaningful when Status is ReputationFound.
type ReputationResult struct {
	Status    ReputationStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	Clean     bool             `json:"clean,omitempty"`
	Malicious bool             `json:"malicious,omitempty"`
	Stats     AnalysisStats    `json:"stats"`
	Permalink string           `json:"permalink,omitempty"`
}

// Definitive reports whether the result carries a clean/malicious decision.
func (r ReputationResult) Definitive() bool {
	return r.Status == ReputationFound
}

// ReputationConfig configures the VirusTotal URL reputation provider.
type ReputationConfig struct {
	Endpoint       string
	CredentialName string
	Timeout        time.Duration
	// RatePerMinute caps upstream requests; zero disables the limiter.
	RatePerMinute int
	HTTPClient    *http.Client
}

// ReputationChecker looks URLs up against VirusTotal. It never submits an
// unknown URL for scanning, so quota is only spent on lookups.
type ReputationChecker struct {
	endpoint       string
	credentialName string
	creds          CredentialStore
	client         *http.Client
	limiter        *rate.Limiter
	cache          *cache.Cache
}

func NewReputationChecker(cfg ReputationConfig, creds CredentialStore, c *cache.Cache) *ReputationChecker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://www.virustotal.com/api/v3/urls"
	}
	if cfg.CredentialName == "" {
		cfg.CredentialName = "VT_API_KEY"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	if creds == nil {
		creds = EnvCredentials{}
	}
	return &ReputationChecker{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		credentialName: cfg.CredentialName,
		creds:          creds,
		client:         client,
		limiter:        limiter,
		cache:          c,
	}
}

// urlID is VirusTotal's URL identifier: unpadded URL-safe base64 of the raw URL.
func urlID(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// Lookup returns the reputation of rawURL, from cache when possible.
func (r *ReputationChecker) Lookup(ctx context.Context, rawURL string) ReputationResult {
	apiKey, ok := r.creds.Credential(r.credentialName)
	if !ok {
		return ReputationResult{Status: ReputationNotConfigured}
	}

	res, _, err := cache.Fetch(ctx, r.cache, cache.Key("vt", rawURL), func(ctx context.Context) (ReputationResult, bool) {
		return r.fetch(ctx, rawURL, apiKey)
	})
	if err != nil {
		return ReputationResult{Status: ReputationError, Error: err.Error()}
	}
	return res
}

type vtURLResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats *AnalysisStats `json:"last_analysis_stats"`
		} `json:"attributes"`
		Links struct {
			Self string `json:"self"`
		} `json:"links"`
	} `json:"data"`
}

// fetch performs one upstream lookup and reports whether its result may be
// cached. Throttling by the local limiter says nothing about the URL.
func (r *ReputationChecker) fetch(ctx context.Context, rawURL, apiKey string) (ReputationResult, bool) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return ReputationResult{Status: ReputationError, Error: err.Error()}, false
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/"+urlID(rawURL), nil)
	if err != nil {
		return ReputationResult{Status: ReputationError, Error: err.Error()}, true
	}
	req.Header.Set("x-apikey", apiKey)
	req.Header.Set("accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("[Reputation] Lookup failed for %s: %v", rawURL, err)
		return ReputationResult{Status: ReputationError, Error: err.Error()}, ctx.Err() == nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Printf("[Reputation] %s not known upstream (not submitting)", rawURL)
		return ReputationResult{Status: ReputationUnknown}, true
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Reputation] Upstream returned %s for %s", resp.Status, rawURL)
		return ReputationResult{Status: ReputationError, Error: fmt.Sprintf("vt_http_%d", resp.StatusCode)}, true
	}

	var body vtURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ReputationResult{Status: ReputationError, Error: fmt.Sprintf("decode response: %v", err)}, true
	}
	stats := body.Data.Attributes.LastAnalysisStats
	if stats == nil {
		return ReputationResult{Status: ReputationError, Error: errMissingStats.Error()}, true
	}

	malicious := stats.Malicious > 0 || stats.Suspicious > 0
	out := ReputationResult{
		Status:    ReputationFound,
		Clean:     !malicious,
		Malicious: malicious,
		Stats:     *stats,
		Permalink: body.Data.Links.Self,
	}
	if malicious {
		log.Printf("[Reputation] ⚠️ %s flagged (malicious=%d, suspicious=%d)", rawURL, stats.Malicious, stats.Suspicious)
	}
	return out, true
}

var errMissingStats = errors.New("response missing last_analysis_stats")
