package tsa

import (
	"strconv"
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/shaping"
)

// Subscriber receives every Event the engine fires, in the order they
// occur. Implementations (the WebSocket server's broadcaster, a kumod
// in-process client) must not block the caller for long.
type Subscriber interface {
	Publish(Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) Publish(e Event) { f(e) }

// thresholdState tracks the sliding window of matches for one
// (rule, scope) pair, used to evaluate a Threshold="N/interval" trigger.
type thresholdState struct {
	hits []time.Time
}

// activeSuspension is a currently-in-effect suspension or override, kept
// so a reconnecting client can be replayed the full active set before
// incremental events.
type activeSuspension struct {
	event Event
	expires time.Time
}

// Engine evaluates automation rules against the log-record stream and
// emits Suspend/SuspendTenant/SetConfig effects as Events, per . It is safe for concurrent use.
type Engine struct {
	now func() time.Time

	mu sync.Mutex
	rules []*compiledRule

	thresholds map[string]*thresholdState // ruleIndex|scope -> state
	active map[string]activeSuspension // rule_hash -> suspension
	overlay *overlay

	subsMu sync.Mutex
	subs []Subscriber
}

// NewEngine returns an Engine with no rules loaded. SetRules installs
// the automation list the ShapingStore resolves, where automation lists
// from matching blocks are concatenated in resolution order.
func NewEngine() *Engine {
	return &Engine{
		now: time.Now,
		thresholds: make(map[string]*thresholdState),
		active: make(map[string]activeSuspension),
		overlay: newOverlay(),
	}
}

// Overlay returns the generated shaping.Document reflecting every
// currently-active SetConfig override, for the GET
// /get_config_v1/shaping.toml handler to serve.
func (e *Engine) Overlay() *shaping.Document {
	return e.overlay.Document(e.now())
}

// SetRules replaces the active rule set, e.g. after a config reload.
// Rules failing to compile are dropped, and their errors are returned
// so the caller can report them; the remaining rules are installed.
func (e *Engine) SetRules(rules []shaping.AutomationRule) []error {
	compiled := make([]*compiledRule, 0, len(rules))
	var errs []error
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return errs
}

// Subscribe registers sub to receive future events. It does not replay
// the active set; callers wanting replay-then-incremental semantics
// ("kumod must receive the full current set of active
// suspensions before incremental events") should call ActiveSuspensions
// first and then Subscribe, as internal/tsa/server does for each new
// WebSocket connection.
func (e *Engine) Subscribe(sub Subscriber) {
	e.subsMu.Lock()
	e.subs = append(e.subs, sub)
	e.subsMu.Unlock()
}

func (e *Engine) publish(ev Event) {
	e.subsMu.Lock()
	subs := append([]Subscriber(nil), e.subs...)
	e.subsMu.Unlock()
	for _, s := range subs {
		s.Publish(ev)
	}
}

// ActiveSuspensions returns every currently-in-effect event, for replay
// to a newly (re)connected client.
func (e *Engine) ActiveSuspensions() []Event {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Event, 0, len(e.active))
	for hash, a := range e.active {
		if !a.expires.IsZero() && !now.Before(a.expires) {
			delete(e.active, hash)
			continue
		}
		out = append(out, a.event)
	}
	return out
}

// Ingest evaluates every loaded rule against rec, firing whichever
// actions the trigger forms warrant.
func (e *Engine) Ingest(rec logrecord.Record) {
	now := e.now()

	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	code := rec.Code
	for idx, cr := range rules {
		if !cr.re.MatchString(matchField(rec.Content)) {
			continue
		}
		if !cr.rule.MatchInternal.Matches(rec.Tenant, rec.Queue, code) {
			continue
		}

		scope := scopeFor(cr.rule.Action, rec)

		if cr.isImmediate() {
			e.fire(cr, scope, now)
			continue
		}
		if cr.rule.Trigger == triggerThreshold {
			if e.countThreshold(idx, scope, cr, now) {
				e.fire(cr, scope, now)
			}
		}
	}
}

// scopeFor derives the scope a rule's action applies at from the
// triggering record: a ReadyQueue action scopes to (source, site_name),
// a tenant-wide action scopes to tenant, a SetConfig action scopes to
// site_name, and everything else scopes to the full (campaign, tenant,
// domain) of the scheduled queue it affects.
func scopeFor(action string, rec logrecord.Record) scopeKey {
	switch action {
	case actionSuspend:
		return scopeKey{source: rec.EgressSource, siteName: rec.SiteName}
	case actionSuspendTenant:
		return scopeKey{tenant: rec.Tenant}
	case actionSetConfig:
		return scopeKey{siteName: rec.SiteName}
	default:
		return scopeKey{campaign: rec.Campaign, tenant: rec.Tenant, domain: rec.Queue}
	}
}

const (
	actionSuspend = "suspend"
	actionSuspendTenant = "suspend_tenant"
	actionSetConfig = "set_config"
)

// countThreshold records a hit for (ruleIndex, scope) and reports
// whether the count of hits within the rule's window has reached its
// Threshold. Hits are not cleared when the rule fires, so a further
// match inside the window fires again; fire's rule-hash dedup makes
// that replace the active suspension rather than stack a second one.
func (e *Engine) countThreshold(ruleIndex int, scope scopeKey, cr *compiledRule, now time.Time) bool {
	key := thresholdKey(ruleIndex, scope)

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.thresholds[key]
	if !ok {
		st = &thresholdState{}
		e.thresholds[key] = st
	}

	cutoff := now.Add(-cr.window)
	hits := st.hits[:0]
	for _, t := range st.hits {
		if t.After(cutoff) {
			hits = append(hits, t)
		}
	}
	hits = append(hits, now)
	st.hits = hits

	return len(st.hits) >= cr.rule.Threshold
}

func thresholdKey(ruleIndex int, scope scopeKey) string {
	return scope.source + "\x00" + scope.siteName + "\x00" + scope.tenant + "\x00" +
		scope.domain + "\x00" + scope.campaign + "\x00" + strconv.Itoa(ruleIndex)
}

// fire computes the rule's stable hash for scope, dedups against
// whatever is already active under that hash ("identical
// reasons replace, not stack"), and applies the rule's action: a
// Suspend/SuspendTenant publishes an Event, a SetConfig augments the
// generated shaping overlay instead (two effect channels).
func (e *Engine) fire(cr *compiledRule, scope scopeKey, now time.Time) {
	hash := cr.hash(scope)

	var expires time.Time
	if cr.duration > 0 {
		expires = now.Add(cr.duration)
	}

	if cr.rule.Action == actionSetConfig {
		e.overlay.set(hash, configOverride{
			siteName: scope.siteName,
			options: cr.rule.Options,
			expires: expires,
		})
		return
	}

	ev := Event{
		RuleHash: hash,
		Reason: cr.rule.Match,
		Expires: expires,
		Source: scope.source,
		SiteName: scope.siteName,
		Campaign: scope.campaign,
		Tenant: scope.tenant,
		Domain: scope.domain,
	}

	switch cr.rule.Action {
	case actionSuspend:
		ev.Kind = EventReadyQSuspension
	default:
		ev.Kind = EventSchedQSuspension
	}

	e.mu.Lock()
	if existing, ok := e.active[hash]; ok && existing.expires.Equal(expires) {
		// Same reason, same expiry already active: a pure duplicate,
		// not even a replace (3rd match).
		e.mu.Unlock()
		return
	}
	e.active[hash] = activeSuspension{event: ev, expires: expires}
	e.mu.Unlock()

	e.publish(ev)
}

// Bounce immediately emits a one-shot SchedQBounce event for the given
// scope, bypassing threshold/dedup tracking since a bounce is not an
// ongoing suspension to be replayed.
func (e *Engine) Bounce(scope scopeKey, reason string) {
	e.publish(Event{
		Kind: EventSchedQBounce,
		Reason: reason,
		Campaign: scope.campaign,
		Tenant: scope.tenant,
		Domain: scope.domain,
	})
}
