package egress

import (
	"net"
	"strings"
)

// builtinMultiLabelSuffixes are well-known registrable suffixes with more than one
// label (spec §4.7.4 step 2). Not exhaustive; extended by config/env.
var builtinMultiLabelSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "ac.uk": {}, "gov.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {},
	"co.in": {}, "co.jp": {}, "co.kr": {}, "com.sg": {},
	"com.br": {}, "com.cn": {}, "com.mx": {},
	"gov.bc.ca": {}, "gov.on.ca": {},
}

// registrableSecondLevel marks TLDs whose penultimate label is itself a
// registry category, so the registrable domain needs one more label
// (spec §4.7.4 step 3), e.g. "foo.co.uk" -> "foo.co.uk", not "co.uk".
var registrableSecondLevel = map[string]struct{}{
	"co.uk": {}, "com.sg": {}, "co.kr": {}, "co.jp": {}, "com.au": {}, "co.in": {},
}

// DomainSuffix implements spec §4.7.4's domain-suffix-extraction algorithm,
// combining the built-in tables with this engine's configured suffixes.
func (e *Engine) DomainSuffix(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	if cached, ok := e.suffixCache.Get(host); ok {
		return cached
	}
	result := extractDomainSuffix(host, e.policy.MultiLabelSuffixes)
	e.suffixCache.Add(host, result)
	return result
}

func extractDomainSuffix(host string, extra []string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}

	// Step 2: multi-label suffix table (built-in + config/env extensions).
	for labelCount := len(labels); labelCount >= 1; labelCount-- {
		suffix := strings.Join(labels[len(labels)-labelCount:], ".")
		if isMultiLabelSuffix(suffix, extra) {
			if labelCount == len(labels) {
				return suffix
			}
			aboveIdx := len(labels) - labelCount - 1
			return labels[aboveIdx] + "." + suffix
		}
	}

	// Step 3: registrable second-level exception (e.g. foo.co.uk).
	if len(labels) >= 3 {
		secondLevel := strings.Join(labels[len(labels)-2:], ".")
		if _, ok := registrableSecondLevel[secondLevel]; ok {
			return labels[len(labels)-3] + "." + secondLevel
		}
	}

	// Step 4: plain penultimate.tld.
	return labels[len(labels)-2] + "." + labels[len(labels)-1]
}

func isMultiLabelSuffix(suffix string, extra []string) bool {
	if _, ok := builtinMultiLabelSuffixes[suffix]; ok {
		return true
	}
	for _, s := range extra {
		if strings.EqualFold(s, suffix) {
			return true
		}
	}
	return false
}
