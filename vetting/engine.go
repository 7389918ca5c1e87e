package vetting

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ai-link-guard/cache"
	"ai-link-guard/config"
)

// ReputationSource looks up third-party reputation for a URL.
type ReputationSource interface {
	Lookup(ctx context.Context, rawURL string) ReputationResult
}

// ExistenceSource reports whether a host resolves.
type ExistenceSource interface {
	Exists(ctx context.Context, host string) bool
}

// RedirectSource follows a URL's redirects.
type RedirectSource interface {
	Resolve(ctx context.Context, rawURL string) RedirectResult
}

// AgeSource reports a domain's registration age.
type AgeSource interface {
	Age(ctx context.Context, host string) DomainAge
}

// UpdateKind tells a consumer what changed.
type UpdateKind string

const (
	// UpdateInitial carries the heuristic verdict. It is always Seq 0 and is
	// delivered before any signal is dispatched.
	UpdateInitial    UpdateKind = "initial"
	UpdateVerdict    UpdateKind = "verdict"
	UpdateAnnotation UpdateKind = "annotation"
)

// Update is delivered to the consumer each time a link's state changes.
// Seq starts at 0 with the initial verdict and increases by one per update
// of the same link.
type Update struct {
	LinkID      string     `json:"link_id"`
	URL         string     `json:"url"`
	Seq         int        `json:"seq"`
	Kind        UpdateKind `json:"kind"`
	Source      string     `json:"source"`
	Verdict     Verdict    `json:"verdict"`
	Annotations []string   `json:"annotations"`
}

// EngineOptions wires the signal sources. A nil source is skipped.
type EngineOptions struct {
	Cache      *cache.Cache
	Reputation ReputationSource
	Existence  ExistenceSource
	Redirects  RedirectSource
	Age        AgeSource

	Reconciler    Reconciler
	NewDomainDays int
}

// Engine scores links and reconciles their asynchronous signals.
type Engine struct {
	cache      *cache.Cache
	reputation ReputationSource
	existence  ExistenceSource
	redirects  RedirectSource
	age        AgeSource

	reconciler    Reconciler
	newDomainDays int
}

func NewEngine(opts EngineOptions) *Engine {
	rc := opts.Reconciler
	if rc.Policy == "" {
		rc.Policy = PolicyOverwrite
	}
	days := opts.NewDomainDays
	if days <= 0 {
		days = 30
	}
	return &Engine{
		cache:         opts.Cache,
		reputation:    opts.Reputation,
		existence:     opts.Existence,
		redirects:     opts.Redirects,
		age:           opts.Age,
		reconciler:    rc,
		newDomainDays: days,
	}
}

// NewEngineFromConfig builds an engine with a private cache and the real
// network providers.
func NewEngineFromConfig(cfg *config.Config, creds CredentialStore) (*Engine, error) {
	c, err := cache.New(cfg.Cache.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	opts := EngineOptions{
		Cache: c,
		Reputation: NewReputationChecker(ReputationConfig{
			Endpoint:       cfg.Reputation.Endpoint,
			CredentialName: cfg.Reputation.CredentialName,
			Timeout:        cfg.Reputation.Timeout,
			RatePerMinute:  cfg.Reputation.RatePerMinute,
		}, creds, c),
		Existence: NewDomainChecker(DomainCheckConfig{
			Endpoint: cfg.DNS.Endpoint,
			Format:   cfg.DNS.Format,
			Timeout:  cfg.DNS.Timeout,
		}, c),
		Redirects: NewRedirectResolver(RedirectConfig{
			Timeout: cfg.Redirects.Timeout,
			MaxHops: cfg.Redirects.MaxHops,
		}, c),
		Reconciler: Reconciler{
			Policy:     Policy(cfg.Reconcile.Policy),
			TrustClean: cfg.Reconcile.TrustClean(),
		},
		NewDomainDays: cfg.Whois.NewDomainDays,
	}
	if cfg.Whois.Enabled {
		opts.Age = NewWhoisChecker(WhoisConfig{Timeout: cfg.Whois.Timeout}, c)
	}
	return NewEngine(opts), nil
}

// CacheStats reports the engine's result cache activity.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// Resolve follows rawURL's redirects, for the "show full URL" action.
func (e *Engine) Resolve(ctx context.Context, rawURL string) RedirectResult {
	if e.redirects == nil {
		return RedirectResult{Error: "redirect resolution disabled"}
	}
	return e.redirects.Resolve(ctx, rawURL)
}

// RequestVerdict scores rawURL and returns its link. Link.Initial holds the
// heuristic verdict and never changes. onUpdate first receives that verdict
// as a Seq 0 UpdateInitial, synchronously and before any signal lookup
// starts; every later change follows one at a time and in order.
func (e *Engine) RequestVerdict(ctx context.Context, rawURL string, pageIsSecure bool, onUpdate func(Update)) *Link {
	risk := Score(rawURL, pageIsSecure)
	initial := VerdictFromScore(risk)

	l := &Link{
		ID:         uuid.NewString(),
		URL:        rawURL,
		PageSecure: pageIsSecure,
		Risk:       risk,
		Initial:    initial.clone(),
		verdict:    initial,
		history:    []Verdict{initial.clone()},
		onUpdate:   onUpdate,
		reconciler: e.reconciler,
		done:       make(chan struct{}),
	}
	log.Printf("[Engine] %s scored %d -> %s", rawURL, risk.Score, initial.Label)

	if onUpdate != nil {
		onUpdate(Update{
			LinkID:      l.ID,
			URL:         l.URL,
			Seq:         0,
			Kind:        UpdateInitial,
			Source:      SourceHeuristic,
			Verdict:     initial.clone(),
			Annotations: []string{},
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	host := linkHost(rawURL)

	// An abandoned link takes no further updates.
	run := func(signal func() Outcome) {
		g.Go(func() error {
			o := signal()
			if gctx.Err() != nil {
				return nil
			}
			l.apply(o)
			return nil
		})
	}

	if e.existence != nil && host != "" {
		run(func() Outcome { return ExistenceOutcome(e.existence.Exists(gctx, host)) })
	}
	if e.reputation != nil {
		run(func() Outcome { return ReputationOutcome(e.reputation.Lookup(gctx, rawURL)) })
	}
	if e.redirects != nil {
		run(func() Outcome { return RedirectOutcome(e.redirects.Resolve(gctx, rawURL)) })
	}
	if e.age != nil && host != "" {
		days := e.newDomainDays
		run(func() Outcome { return AgeOutcome(e.age.Age(gctx, host), days) })
	}

	go func() {
		_ = g.Wait()
		close(l.done)
	}()
	return l
}

// Link is the live state of one presented URL.
type Link struct {
	ID         string
	URL        string
	PageSecure bool
	Risk       RiskScore
	// Initial is the heuristic verdict the link started with.
	Initial Verdict

	mu          sync.Mutex
	verdict     Verdict
	annotations []string
	history     []Verdict
	seq         int

	// emitMu keeps callbacks ordered without holding mu, so a callback may
	// read the link.
	emitMu     sync.Mutex
	onUpdate   func(Update)
	reconciler Reconciler

	done chan struct{}
}

// LinkSnapshot is a point-in-time copy of a link's state.
type LinkSnapshot struct {
	LinkID      string     `json:"link_id"`
	URL         string     `json:"url"`
	Score       int        `json:"score"`
	Reasons     []string   `json:"reasons"`
	ClickGuard  ClickGuard `json:"click_guard"`
	Verdict     Verdict    `json:"verdict"`
	Annotations []string   `json:"annotations"`
	History     []Verdict  `json:"history"`
	Settled     bool       `json:"settled"`
}

// Verdict returns the current verdict.
func (l *Link) Verdict() Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verdict.clone()
}

// Annotations returns the auxiliary notes collected so far.
func (l *Link) Annotations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.annotations...)
}

// Done is closed once every signal has resolved.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until every signal has resolved or ctx ends.
func (l *Link) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) Snapshot() LinkSnapshot {
	settled := false
	select {
	case <-l.done:
		settled = true
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	history := make([]Verdict, len(l.history))
	for i, v := range l.history {
		history[i] = v.clone()
	}
	return LinkSnapshot{
		LinkID:      l.ID,
		URL:         l.URL,
		Score:       l.Risk.Score,
		Reasons:     append([]string{}, l.Risk.Reasons...),
		ClickGuard:  GuardClick(l.Risk),
		Verdict:     l.verdict.clone(),
		Annotations: append([]string{}, l.annotations...),
		History:     history,
		Settled:     settled,
	}
}

// InitialSnapshot describes the link as it was before any signal resolved.
func (l *Link) InitialSnapshot() LinkSnapshot {
	return LinkSnapshot{
		LinkID:      l.ID,
		URL:         l.URL,
		Score:       l.Risk.Score,
		Reasons:     append([]string{}, l.Risk.Reasons...),
		ClickGuard:  GuardClick(l.Risk),
		Verdict:     l.Initial.clone(),
		Annotations: []string{},
		History:     []Verdict{l.Initial.clone()},
	}
}

func (l *Link) apply(o Outcome) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	next, changed, notes := l.reconciler.Apply(l.verdict, o)
	if !changed && len(notes) == 0 {
		l.mu.Unlock()
		return
	}
	kind := UpdateAnnotation
	if changed {
		log.Printf("[Engine] %s: %s -> %s (%s)", l.URL, l.verdict.Label, next.Label, o.Source)
		l.verdict = next
		l.history = append(l.history, next.clone())
		kind = UpdateVerdict
	}
	l.annotations = append(l.annotations, notes...)
	l.seq++
	u := Update{
		LinkID:      l.ID,
		URL:         l.URL,
		Seq:         l.seq,
		Kind:        kind,
		Source:      o.Source,
		Verdict:     l.verdict.clone(),
		Annotations: append([]string{}, l.annotations...),
	}
	l.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(u)
	}
}
