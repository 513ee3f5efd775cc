// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jllopis/rtfscore/pkg/effect"
)

// DecisionStatus captures the policy outcome.
type DecisionStatus string

const (
	DecisionAllow   DecisionStatus = "allow"
	DecisionDeny    DecisionStatus = "deny"
	DecisionPending DecisionStatus = "pending"
)

// Decision is the outcome of evaluating a call.
type Decision struct {
	Status DecisionStatus
	Reason string
	RuleID string
}

// IsAllowed returns true when the decision permits the call.
func (d Decision) IsAllowed() bool { return d.Status == DecisionAllow }

// IsPending returns true when the decision needs approval.
func (d Decision) IsPending() bool { return d.Status == DecisionPending }

// Rule matches calls by symbol glob and, optionally, namespace.
type Rule struct {
	ID        string
	Effect    string // allow, deny or pending
	Symbol    string // path.Match pattern, empty matches all
	Namespace string
	Reason    string
}

// ApprovalHook resolves pending decisions.
type ApprovalHook interface {
	Request(ctx context.Context, call effect.HostCall) Decision
}

// StaticApprovalHook returns a fixed decision for every request.
type StaticApprovalHook struct {
	Decision Decision
}

// Request returns the configured decision, denying when none was set.
func (h StaticApprovalHook) Request(context.Context, effect.HostCall) Decision {
	if h.Decision.Status == "" || h.Decision.Status == DecisionPending {
		return Decision{Status: DecisionDeny, Reason: "approval decision not set"}
	}
	return h.Decision
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithDefaultDecision sets the decision used when no rule matches.
func WithDefaultDecision(d Decision) PolicyOption {
	return func(p *Policy) { p.def = d }
}

// WithApprovalHook sets the hook consulted for pending decisions.
func WithApprovalHook(h ApprovalHook) PolicyOption {
	return func(p *Policy) { p.approval = h }
}

// WithDecisionCacheSize sets the LRU size. Zero disables caching.
func WithDecisionCacheSize(n int) PolicyOption {
	return func(p *Policy) { p.cacheSize = n }
}

// Policy evaluates ordered rules against host calls; the first match wins.
// Rules only look at the symbol, so allow and deny decisions are cached per
// symbol regardless of arguments or call context.
type Policy struct {
	mu        sync.RWMutex
	rules     []Rule
	def       Decision
	approval  ApprovalHook
	cacheSize int
	cache     *lru.Cache[string, Decision]
}

// NewPolicy builds a policy that allows by default.
func NewPolicy(rules []Rule, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{
		def:       Decision{Status: DecisionAllow},
		cacheSize: 1024,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	p.rules = append([]Rule(nil), rules...)
	if p.cacheSize > 0 {
		cache, err := lru.New[string, Decision](p.cacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}
	return p, nil
}

// SetRules replaces the rules and drops cached decisions.
func (p *Policy) SetRules(rules []Rule) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = append([]Rule(nil), rules...)
	p.mu.Unlock()
	if p.cache != nil {
		p.cache.Purge()
	}
	return nil
}

// Rules returns a copy of the current rules.
func (p *Policy) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Rule(nil), p.rules...)
}

// Evaluate decides whether call may run. Pending decisions are passed to
// the approval hook when one is set.
func (p *Policy) Evaluate(ctx context.Context, call effect.HostCall) Decision {
	key := call.FnSymbol
	if p.cache != nil {
		if d, ok := p.cache.Get(key); ok {
			return d
		}
	}
	d := p.match(call)
	if d.IsPending() {
		if p.approval != nil {
			return p.approval.Request(ctx, call)
		}
		return d
	}
	if p.cache != nil {
		p.cache.Add(key, d)
	}
	return d
}

func (p *Policy) match(call effect.HostCall) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rule := range p.rules {
		if rule.Namespace != "" && rule.Namespace != call.Namespace() {
			continue
		}
		if rule.Symbol != "" && !matchPattern(rule.Symbol, call.FnSymbol) {
			continue
		}
		d := Decision{Reason: rule.Reason, RuleID: rule.ID}
		switch strings.ToLower(rule.Effect) {
		case "deny":
			d.Status = DecisionDeny
		case "pending":
			d.Status = DecisionPending
		default:
			d.Status = DecisionAllow
		}
		return d
	}
	return p.def
}

func validateRules(rules []Rule) error {
	for i, r := range rules {
		switch strings.ToLower(r.Effect) {
		case "", "allow", "deny", "pending":
		default:
			return fmt.Errorf("policy rule %d (%s): unknown effect %q", i, r.ID, r.Effect)
		}
		if r.Symbol != "" {
			if _, err := path.Match(r.Symbol, ""); err != nil {
				return fmt.Errorf("policy rule %d (%s): bad pattern %q: %w", i, r.ID, r.Symbol, err)
			}
		}
	}
	return nil
}

func matchPattern(pattern, symbol string) bool {
	ok, err := path.Match(pattern, symbol)
	if err == nil && ok {
		return true
	}
	return pattern == symbol
}
