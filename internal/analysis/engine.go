package analysis

import (
	"context"
	"fmt"
	"time"

	"emconnect.org/internal/config"
	"emconnect.org/internal/obs"
	"emconnect.org/internal/quota"
)

const (
	// TierRuleBased names the always-available final tier.
	TierRuleBased  = "rule_based"
	defaultTimeout = 15 * time.Second
)

// Tier is one analyzer in the fallback chain. Guard is optional.
type Tier struct {
	Name     string
	Analyzer Analyzer
	Guard    *quota.Guard
}

// Engine tries each tier in order and always ends with the rule-based
// analyzer. It never returns an error.
type Engine struct {
	tiers    []Tier
	fallback RuleBased
	timeout  time.Duration
}

// NewEngine returns an Engine over the given external tiers. A zero timeout
// uses 15s.
func NewEngine(timeout time.Duration, tiers ...Tier) *Engine {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{tiers: tiers, timeout: timeout}
}

// FromConfig resolves configured providers once. All providers share guard.
func FromConfig(cfg config.AnalyzerConfig, guard *quota.Guard) (*Engine, error) {
	tiers := make([]Tier, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		a, err := NewOpenAI(p.APIKey, WithBaseURL(p.BaseURL), WithModel(p.Model))
		if err != nil {
			return nil, fmt.Errorf("analyzer %q: %w", p.Name, err)
		}
		name := p.Name
		if name == "" {
			name = "openai"
		}
		tiers = append(tiers, Tier{Name: name, Analyzer: a, Guard: guard})
	}
	return NewEngine(cfg.Timeout, tiers...), nil
}

// Tiers lists tier names in the order they are tried.
func (e *Engine) Tiers() []string {
	names := make([]string, 0, len(e.tiers)+1)
	for _, t := range e.tiers {
		names = append(names, t.Name)
	}
	return append(names, TierRuleBased)
}

func (e *Engine) Analyze(ctx context.Context, messages []Message) (Result, error) {
	for _, t := range e.tiers {
		if !e.admit(t, "analyze") {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		res, err := t.Analyzer.Analyze(callCtx, messages)
		cancel()
		if err != nil {
			obs.Warn("analysis_tier_failed", map[string]any{"kind": "analyze", "tier": t.Name, "error": err.Error()})
			continue
		}
		obs.AnalysisRequests.WithLabelValues("analyze", t.Name).Inc()
		res.Source = t.Name
		return res, nil
	}
	res, _ := e.fallback.Analyze(ctx, messages)
	res.Source = TierRuleBased
	obs.AnalysisRequests.WithLabelValues("analyze", TierRuleBased).Inc()
	return res, nil
}

func (e *Engine) AssessUrgency(ctx context.Context, messages []Message) (UrgencyResult, error) {
	for _, t := range e.tiers {
		if !e.admit(t, "urgency") {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		res, err := t.Analyzer.AssessUrgency(callCtx, messages)
		cancel()
		if err != nil {
			obs.Warn("analysis_tier_failed", map[string]any{"kind": "urgency", "tier": t.Name, "error": err.Error()})
			continue
		}
		obs.AnalysisRequests.WithLabelValues("urgency", t.Name).Inc()
		res.Source = t.Name
		return res, nil
	}
	res, _ := e.fallback.AssessUrgency(ctx, messages)
	res.Source = TierRuleBased
	obs.AnalysisRequests.WithLabelValues("urgency", TierRuleBased).Inc()
	return res, nil
}

// admit consumes quota for t when it has a guard. Usage is recorded before
// the call so failed calls still count against the provider budget.
func (e *Engine) admit(t Tier, kind string) bool {
	if t.Guard == nil {
		return true
	}
	if !t.Guard.Allowed() {
		obs.AnalysisQuotaDenied.Inc()
		obs.Info("analysis_quota_denied", map[string]any{"kind": kind, "tier": t.Name})
		return false
	}
	t.Guard.Record()
	return true
}
