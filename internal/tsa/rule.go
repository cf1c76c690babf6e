package tsa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/kumomta/kumod/internal/shaping"
)

// compiledRule is a shaping.AutomationRule with its regex compiled and
// duration/window parsed once at registration time instead of on every
// ingested record.
type compiledRule struct {
	rule shaping.AutomationRule
	re *regexp.Regexp
	window time.Duration
	duration time.Duration
}

func compile(rule shaping.AutomationRule) (*compiledRule, error) {
	re, err := regexp.Compile(rule.Match)
	if err != nil {
		return nil, fmt.Errorf("tsa: automation rule %q: bad regex: %w", rule.Match, err)
	}

	cr := &compiledRule{rule: rule, re: re}

	if rule.Trigger == triggerThreshold {
		if rule.Threshold <= 0 {
			return nil, fmt.Errorf("tsa: automation rule %q: threshold trigger needs a positive Threshold", rule.Match)
		}
		window, err := time.ParseDuration(rule.Window)
		if err != nil {
			return nil, fmt.Errorf("tsa: automation rule %q: bad window %q: %w", rule.Match, rule.Window, err)
		}
		cr.window = window
	}

	if rule.Duration != "" {
		d, err := time.ParseDuration(rule.Duration)
		if err != nil {
			return nil, fmt.Errorf("tsa: automation rule %q: bad duration %q: %w", rule.Match, rule.Duration, err)
		}
		cr.duration = d
	}

	return cr, nil
}

const (
	triggerImmediate = "immediate"
	triggerThreshold = "threshold"
)

func (cr *compiledRule) isImmediate() bool {
	return cr.rule.Trigger == "" || cr.rule.Trigger == triggerImmediate
}

// matchField selects the record field a rule's regex applies to. A
// rule's pattern is always matched against response content -- this
// engine only ever matches Content, which is where both the SMTP
// response text and the enhanced code summary land in a
// logrecord.Record.
func matchField(content string) string { return content }

// scopeKey groups threshold counting and suspension scope by the tuple a
// rule's action targets: (source, site_name) for a ReadyQueue-scoped
// action, (tenant) for a SuspendTenant action.
type scopeKey struct {
	source string
	siteName string
	tenant string
	domain string
	campaign string
}

// hash returns the stable identity used for suspension-reason dedup:
// identical reasons replace rather than stack. It is derived from the
// rule's matcher tuple plus the scope the action fired under, so two
// different destinations tripping the same rule get independent
// suspensions while the same destination tripping it twice collapses to
// one.
func (cr *compiledRule) hash(scope scopeKey) string {
	h := sha256.New()
	fmt.Fprintf(h, "match=%s|action=%s|duration=%s|source=%s|site=%s|tenant=%s|domain=%s|campaign=%s",
		cr.rule.Match, cr.rule.Action, cr.rule.Duration,
		scope.source, scope.siteName, scope.tenant, scope.domain, scope.campaign)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
