package vetting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"ai-link-guard/cache"
)

// RedirectResult is where a link actually lands. Redirects lists every URL
// visited before FinalURL, in order; it is empty when nothing redirected.
type RedirectResult struct {
	FinalURL  string   `json:"final_url,omitempty"`
	Redirects []string `json:"redirects"`
	Error     string   `json:"error,omitempty"`
}

// Chain returns the full navigation path ending at the final URL.
func (r RedirectResult) Chain() []string {
	if r.Error != "" {
		return nil
	}
	return append(append([]string(nil), r.Redirects...), r.FinalURL)
}

type RedirectConfig struct {
	Timeout time.Duration
	MaxHops int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// RedirectResolver follows a link's redirects with a hard deadline.
type RedirectResolver struct {
	timeout time.Duration
	maxHops int
	client  *http.Client
	cache   *cache.Cache
}

var errTooManyRedirects = errors.New("too many redirects")

func NewRedirectResolver(cfg RedirectConfig, c *cache.Cache) *RedirectResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 10
	}
	maxHops := cfg.MaxHops
	client := &http.Client{
		Transport: cfg.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxHops {
				return errTooManyRedirects
			}
			return nil
		},
	}
	return &RedirectResolver{
		timeout: cfg.Timeout,
		maxHops: cfg.MaxHops,
		client:  client,
		cache:   c,
	}
}

// Resolve fetches rawURL once, following redirects. Timeouts and transport
// failures come back as an error value, never a panic or a hang.
func (r *RedirectResolver) Resolve(ctx context.Context, rawURL string) RedirectResult {
	res, _, err := cache.Fetch(ctx, r.cache, cache.Key("resolve", rawURL), func(ctx context.Context) (RedirectResult, bool) {
		res := r.follow(ctx, rawURL)
		return res, !(res.Error != "" && ctx.Err() != nil)
	})
	if err != nil {
		return RedirectResult{Error: err.Error()}
	}
	return res
}

func (r *RedirectResolver) follow(ctx context.Context, rawURL string) RedirectResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return RedirectResult{Error: err.Error()}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[Redirect] Timed out after %s resolving %s", r.timeout, rawURL)
			return RedirectResult{Error: fmt.Sprintf("timeout after %s", r.timeout)}
		}
		log.Printf("[Redirect] Failed to resolve %s: %v", rawURL, err)
		return RedirectResult{Error: err.Error()}
	}
	// Only the landing URL matters; drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()

	// Walk back through the request chain to recover every hop.
	var chain []string
	for req := resp.Request; req != nil; {
		chain = append([]string{req.URL.String()}, chain...)
		if req.Response == nil {
			break
		}
		req = req.Response.Request
	}

	if len(chain) < 2 || chain[len(chain)-1] == rawURL {
		return RedirectResult{FinalURL: rawURL, Redirects: []string{}}
	}
	finalURL := chain[len(chain)-1]
	redirects := chain[:len(chain)-1]
	// The first request carries the caller's exact string, not its re-encoding.
	redirects[0] = rawURL
	return RedirectResult{FinalURL: finalURL, Redirects: redirects}
}
