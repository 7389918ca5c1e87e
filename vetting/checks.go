package vetting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	whois "github.com/likexian/whois"
	parser "github.com/likexian/whois-parser"
	"github.com/miekg/dns"

	"ai-link-guard/cache"
)

//
// DOMAIN EXISTENCE (DNS over HTTPS)
//

// DoH wire formats.
const (
	DoHFormatJSON = "json"
	DoHFormatWire = "wire"
)

type DomainCheckConfig struct {
	Endpoint   string
	Format     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// DomainChecker answers "does this host have A records?" through a DoH
// resolver. Every failure counts as "does not exist", so a broken lookup
// surfaces as a suspicious link rather than a silent pass.
type DomainChecker struct {
	endpoint string
	format   string
	client   *http.Client
	cache    *cache.Cache
}

func NewDomainChecker(cfg DomainCheckConfig, c *cache.Cache) *DomainChecker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://dns.google/resolve"
	}
	if cfg.Format == "" {
		cfg.Format = DoHFormatJSON
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &DomainChecker{
		endpoint: cfg.Endpoint,
		format:   cfg.Format,
		client:   client,
		cache:    c,
	}
}

// Exists reports whether host resolves to at least one A record.
// IP literals are not looked up.
func (d *DomainChecker) Exists(ctx context.Context, host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	host = asciiHostname(host)

	exists, _, err := cache.Fetch(ctx, d.cache, cache.Key("doh", host), func(ctx context.Context) (bool, bool) {
		var (
			ok  bool
			err error
		)
		if d.format == DoHFormatWire {
			ok, err = d.queryWire(ctx, host)
		} else {
			ok, err = d.queryJSON(ctx, host)
		}
		if err != nil {
			log.Printf("[DoH] Lookup for %s failed, treating as non-existent: %v", host, err)
			return false, ctx.Err() == nil
		}
		if !ok {
			log.Printf("[DoH] %s has no A records", host)
		}
		return ok, true
	})
	if err != nil {
		return false
	}
	return exists
}

type dohJSONResponse struct {
	Status int               `json:"Status"`
	Answer []json.RawMessage `json:"Answer"`
}

func (d *DomainChecker) queryJSON(ctx context.Context, host string) (bool, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return false, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("name", host)
	q.Set("type", "A")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("doh status %d", resp.StatusCode)
	}

	var body dohJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode doh response: %w", err)
	}
	return len(body.Answer) > 0, nil
}

// queryWire speaks RFC 8484: a packed DNS message in the dns query parameter.
func (d *DomainChecker) queryWire(ctx context.Context, host string) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.Id = 0 // RFC 8484 recommends 0 for cache friendliness
	packed, err := msg.Pack()
	if err != nil {
		return false, fmt.Errorf("pack query: %w", err)
	}

	u, err := url.Parse(d.endpoint)
	if err != nil {
		return false, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("dns", base64.RawURLEncoding.EncodeToString(packed))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("doh status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, fmt.Errorf("read doh response: %w", err)
	}
	var answer dns.Msg
	if err := answer.Unpack(raw); err != nil {
		return false, fmt.Errorf("unpack doh response: %w", err)
	}
	for _, rr := range answer.Answer {
		if _, ok := rr.(*dns.A); ok {
			return true, nil
		}
	}
	return false, nil
}

//
// WHOIS DOMAIN AGE
//

// DomainAge is the registration age of a domain as reported by WHOIS.
type DomainAge struct {
	AgeDays   int    `json:"age_days"`
	CreatedOn string `json:"created_on,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WhoisFunc performs a raw WHOIS query.
type WhoisFunc func(ctx context.Context, domain string) (string, error)

type WhoisConfig struct {
	Timeout time.Duration
	// Query overrides the network lookup, mainly for tests.
	Query WhoisFunc
}

// WhoisChecker looks up domain registration dates.
type WhoisChecker struct {
	query WhoisFunc
	now   func() time.Time
	cache *cache.Cache
}

func NewWhoisChecker(cfg WhoisConfig, c *cache.Cache) *WhoisChecker {
	query := cfg.Query
	if query == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client := whois.NewClient().SetTimeout(timeout)
		query = func(ctx context.Context, domain string) (string, error) {
			type result struct {
				raw string
				err error
			}
			done := make(chan result, 1)
			go func() {
				raw, err := client.Whois(domain)
				done <- result{raw, err}
			}()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case r := <-done:
				return r.raw, r.err
			}
		}
	}
	return &WhoisChecker{query: query, now: time.Now, cache: c}
}

var whoisLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
}

// Age returns how long ago host's registrable domain was created.
func (w *WhoisChecker) Age(ctx context.Context, host string) DomainAge {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" || net.ParseIP(host) != nil {
		return DomainAge{Error: "no domain"}
	}
	host = asciiHostname(host)
	age, _, err := cache.Fetch(ctx, w.cache, cache.Key("whois", host), func(ctx context.Context) (DomainAge, bool) {
		age := w.lookup(ctx, host)
		return age, !(age.Error != "" && ctx.Err() != nil)
	})
	if err != nil {
		return DomainAge{Error: err.Error()}
	}
	return age
}

func (w *WhoisChecker) lookup(ctx context.Context, domain string) DomainAge {
	raw, err := w.query(ctx, domain)
	if err != nil {
		log.Printf("[WHOIS] Query for %s failed: %v", domain, err)
		return DomainAge{Error: err.Error()}
	}

	p, err := parser.Parse(raw)
	if err != nil || p.Domain == nil {
		// For subdomains, try parent domain (e.g. go.evil.example -> evil.example)
		parts := strings.Split(domain, ".")
		if len(parts) > 2 {
			return w.lookup(ctx, strings.Join(parts[1:], "."))
		}
		if err == nil {
			err = fmt.Errorf("no domain section")
		}
		return DomainAge{Error: fmt.Sprintf("parse whois: %v", err)}
	}

	createdStr := strings.TrimSpace(p.Domain.CreatedDate)
	var created time.Time
	for _, l := range whoisLayouts {
		if t, err := time.Parse(l, createdStr); err == nil {
			created = t
			break
		}
	}
	if created.IsZero() {
		return DomainAge{Error: fmt.Sprintf("unrecognised creation date %q", createdStr)}
	}

	return DomainAge{
		AgeDays:   int(w.now().Sub(created).Hours() / 24),
		CreatedOn: created.Format("2006-01-02"),
	}
}
