// Package egress implements the posture-driven outbound network policy
// engine (spec.md C7): allowlist evaluation, domain-suffix extraction,
// capability-lease fallback, and ledger emission.
package egress

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
)

// Posture is the outbound policy mode (spec §4.7.1).
type Posture string

const (
	PostureOff       Posture = "off"
	PostureRelaxed   Posture = "relaxed"
	PosturePublic    Posture = "public"
	PostureStandard  Posture = "standard"
	PostureAllowlist Posture = "allowlist"
	PostureCustom    Posture = "custom"
	PostureStrict    Posture = "strict"
)

// Normalize applies the standard->public, strict->allowlist posture aliasing.
func (p Posture) Normalize() Posture {
	switch p {
	case PostureStandard:
		return PosturePublic
	case PostureStrict:
		return PostureAllowlist
	default:
		return p
	}
}

// Defaults are the per-posture default flags (spec §4.7.2), each
// individually overridable by environment.
type Defaults struct {
	BlockIPLiterals bool
	DNSGuard        bool
	Proxy           bool
	Ledger          bool
}

func defaultsFor(p Posture) Defaults {
	switch p.Normalize() {
	case PostureOff, PostureRelaxed:
		return Defaults{}
	default:
		return Defaults{BlockIPLiterals: true, DNSGuard: true, Proxy: true, Ledger: true}
	}
}

// Policy is the resolved, immutable configuration used to evaluate requests.
type Policy struct {
	Posture         Posture
	Allowlist       []string
	MultiLabelSuffixes []string
	BlockIPLiterals bool
	DNSGuard        bool
	Proxy           bool
	Ledger          bool
}

// Resolve builds a Policy from config + environment, environment first
// (spec §4.7.1), falling back to "standard".
func Resolve(cfgPosture string, cfgAllowlist, cfgSuffixes []string, cfgBlockIP, cfgDNS, cfgProxy, cfgLedger bool) Policy {
	posture := Posture(envOr("ARW_NET_POSTURE", cfgPosture))
	if posture == "" {
		posture = PostureStandard
	}

	def := defaultsFor(posture)

	allowlist := cfgAllowlist
	if v := os.Getenv("ARW_NET_ALLOWLIST"); v != "" {
		allowlist = splitCSV(v)
	}
	suffixes := cfgSuffixes
	if v := os.Getenv("ARW_EGRESS_MULTI_LABEL_SUFFIXES"); v != "" {
		suffixes = append(append([]string{}, cfgSuffixes...), splitCSV(v)...)
	}

	// Posture is stored un-normalized: defaultsFor()/evaluateCore() branch on
	// the normalized category, but matchesAnyRule still needs to tell
	// "strict" apart from "allowlist" for portless-rule acceptance (§4.7.5).
	return Policy{
		Posture:            posture,
		Allowlist:          allowlist,
		MultiLabelSuffixes: suffixes,
		BlockIPLiterals:    envBoolOr("ARW_EGRESS_BLOCK_IP_LITERALS", cfgBlockIP, def.BlockIPLiterals),
		DNSGuard:           envBoolOr("ARW_DNS_GUARD_ENABLE", cfgDNS, def.DNSGuard),
		Proxy:              envBoolOr("ARW_EGRESS_PROXY_ENABLE", cfgProxy, def.Proxy),
		Ledger:             envBoolOr("ARW_EGRESS_LEDGER_ENABLE", cfgLedger, def.Ledger),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOr(key string, cfgValue, postureDefault bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	if cfgValue {
		return cfgValue
	}
	return postureDefault
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allow             bool
	Reason            string
	MatchedCapability string
}

func deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }
func allow() Decision             { return Decision{Allow: true} }

// Engine evaluates outbound requests against a Policy, consulting the
// kernel for capability-lease fallback and appending ledger entries.
type Engine struct {
	policy  Policy
	kernel  kernel.Store
	bus     *bus.Bus
	capsules *CapsuleGuard
	suffixCache *lru.Cache[string, string]
	leaseCache  LeaseCache
	leaseCacheTTL time.Duration
}

func New(policy Policy, k kernel.Store, b *bus.Bus, capsules *CapsuleGuard) *Engine {
	cache, _ := lru.New[string, string](2048)
	return &Engine{policy: policy, kernel: k, bus: b, capsules: capsules, suffixCache: cache, leaseCacheTTL: 5 * time.Minute}
}

// SetLeaseCache wires a read-through cache in front of the kernel's
// capability-lease lookup (spec §4.7.6). Passing nil disables it.
func (e *Engine) SetLeaseCache(c LeaseCache, ttl time.Duration) {
	e.leaseCache = c
	if ttl > 0 {
		e.leaseCacheTTL = ttl
	}
}

// Evaluate implements spec §4.7.5-4.7.7: capsule refresh, posture rules,
// allowlist matching, lease fallback, and ledger emission.
func (e *Engine) Evaluate(ctx context.Context, host string, port int, scheme, corrID, project string) Decision {
	if e.capsules != nil {
		e.capsules.Refresh(ctx)
	}

	d := e.evaluateCore(ctx, host, port, scheme)
	if !d.Allow {
		if upgraded, ok := e.tryLeaseFallback(ctx, host, port, scheme); ok {
			d = upgraded
		}
	}
	e.appendLedger(ctx, d, host, port, scheme, corrID, project)
	return d
}

func (e *Engine) evaluateCore(_ context.Context, host string, port int, scheme string) Decision {
	p := e.policy
	// matchesAnyRule needs the raw posture (to tell strict apart from
	// allowlist for portless-rule acceptance); branch selection below uses
	// the normalized category instead, since public/standard and
	// allowlist/custom/strict share a branch.
	raw := p.Posture
	posture := raw.Normalize()

	if posture == PostureOff || posture == PostureRelaxed {
		return allow()
	}

	if scheme != "http" && scheme != "https" {
		return deny("scheme")
	}

	if p.BlockIPLiterals && isIPLiteral(host) {
		return deny("ip_literal")
	}

	if e.capsules != nil && matchesAnyRule(e.capsules.DenyRules(), host, port, raw) {
		return deny("capsule_deny")
	}

	switch posture {
	case PosturePublic:
		if !matchesAnyRule(p.Allowlist, host, port, raw) {
			return deny("allowlist")
		}
		if port != 0 && port != 80 && port != 443 {
			return deny("port")
		}
		return allow()
	case PostureAllowlist, PostureCustom:
		if !matchesAnyRule(p.Allowlist, host, port, raw) {
			return deny("allowlist")
		}
		return allow()
	default:
		return allow()
	}
}

func isIPLiteral(host string) bool {
	h := strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return net.ParseIP(h) != nil
}

// matchesAnyRule implements spec §4.7.3: exact (case-insensitive), `*.`
// wildcard-by-label, port-aware matching, plus the §4.7.5 portless-rule
// acceptance rules.
func matchesAnyRule(rules []string, host string, port int, posture Posture) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, rule := range rules {
		ruleHost, rulePort := splitHostPort(rule)
		ruleHost = strings.ToLower(ruleHost)

		var hostMatches bool
		if strings.HasPrefix(ruleHost, "*.") {
			suffix := ruleHost[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				hostMatches = true
			}
		} else {
			hostMatches = host == ruleHost
		}
		if !hostMatches {
			continue
		}

		if rulePort != 0 {
			if port == rulePort {
				return true
			}
			continue
		}
		// Portless rule (spec §4.7.5): never accepted under strict;
		// under public only when the port is the default 80/443.
		if posture == PostureStrict {
			continue
		}
		if posture.Normalize() == PosturePublic {
			if port == 0 || port == 80 || port == 443 {
				return true
			}
			continue
		}
		return true
	}
	return false
}

func splitHostPort(rule string) (string, int) {
	host, portStr, err := net.SplitHostPort(rule)
	if err != nil {
		return rule, 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return rule, 0
	}
	return host, p
}

// tryLeaseFallback implements spec §4.7.6, consulting the optional
// read-through lease cache before the kernel for each candidate capability.
func (e *Engine) tryLeaseFallback(ctx context.Context, host string, port int, scheme string) (Decision, bool) {
	if e.kernel == nil {
		return Decision{}, false
	}
	for _, candidate := range candidateCapabilities(host, port, scheme, e.DomainSuffix(host)) {
		if e.leaseCache != nil {
			if hit, _ := e.leaseCache.Get(ctx, candidate); hit {
				return Decision{Allow: true, MatchedCapability: candidate}, true
			}
		}
		lease, err := e.kernel.FindValidLease(ctx, "local", candidate)
		if err == nil && lease != nil {
			if e.leaseCache != nil {
				_ = e.leaseCache.Set(ctx, candidate, e.leaseCacheTTL)
			}
			return Decision{Allow: true, MatchedCapability: candidate}, true
		}
	}
	return Decision{}, false
}

func candidateCapabilities(host string, port int, scheme, domain string) []string {
	out := []string{"net:host:" + host}
	if domain != "" {
		out = append(out, "net:domain:"+domain)
	}
	if port != 0 {
		out = append(out, "net:port:"+strconv.Itoa(port))
	}
	out = append(out, "net:"+scheme, "net:http", "net:https", "net:tcp", "net")
	return out
}

// appendLedger publishes a ledger entry to the bus; durability is the bus's
// job (serve.go wires a subscriber that appends every envelope to the
// kernel), not this engine's.
func (e *Engine) appendLedger(_ context.Context, d Decision, host string, port int, scheme, corrID, project string) {
	if !e.policy.Ledger || e.bus == nil {
		return
	}
	entry := map[string]any{
		"decision":  map[bool]string{true: "allow", false: "deny"}[d.Allow],
		"dest_host": host, "dest_port": port, "protocol": scheme, "corr_id": corrID,
	}
	if d.Reason != "" {
		entry["reason"] = d.Reason
	}
	if project != "" {
		entry["project"] = project
	}
	if d.MatchedCapability != "" {
		entry["matched_capability"] = d.MatchedCapability
	}
	e.bus.Publish("egress.ledger.appended", entry)
}
