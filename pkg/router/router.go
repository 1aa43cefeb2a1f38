// Package router implements the domain router: exact-map, then
// suffix-list, then keyword-list matching, all comparisons lowercase,
// first-insertion-wins within a match type. The match order is simple
// enough to implement directly over three flat collections rather than
// a general wildcard-segment trie.
package router

import "strings"

type Action struct {
	Direct   bool
	ConfigID string
}

func DirectAction() Action { return Action{Direct: true} }

func ProxyAction(configID string) Action { return Action{ConfigID: configID} }

type suffixRule struct {
	suffix string
	action Action
}

type keywordRule struct {
	keyword string
	action  Action
}

// Router is a compiled, immutable-after-build rule set. Build it once
// per routing.json load/reload; Match is a pure function of its inputs.
type Router struct {
	exact    map[string]Action
	suffixes []suffixRule
	keywords []keywordRule
	configs  map[string]struct{} // known config IDs, for "id unknown" checks
}

func New() *Router {
	return &Router{
		exact:   make(map[string]Action),
		configs: make(map[string]struct{}),
	}
}

func lower(s string) string { return strings.ToLower(s) }

// AddExact registers an exact-domain rule. First insertion for a given
// domain wins; later calls for the same domain are ignored.
func (r *Router) AddExact(domain string, action Action) {
	domain = lower(domain)
	if _, ok := r.exact[domain]; ok {
		return
	}
	r.exact[domain] = action
}

// AddSuffix registers a domain-suffix rule, matching either the suffix
// itself or any domain ending in "."+suffix.
func (r *Router) AddSuffix(suffix string, action Action) {
	r.suffixes = append(r.suffixes, suffixRule{suffix: lower(suffix), action: action})
}

// AddKeyword registers a substring rule.
func (r *Router) AddKeyword(keyword string, action Action) {
	r.keywords = append(r.keywords, keywordRule{keyword: lower(keyword), action: action})
}

// SetKnownConfigs records which config IDs are currently admitted, so
// Resolve can distinguish "Proxy(id) with id unknown" from a true match.
func (r *Router) SetKnownConfigs(ids []string) {
	r.configs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.configs[id] = struct{}{}
	}
}

// Match returns the action for domain and whether any rule matched.
// Match order: exact, then suffix (equality or "."+suffix trailing
// match), then keyword (substring). All comparisons lowercase.
func (r *Router) Match(domain string) (Action, bool) {
	domain = lower(domain)

	if a, ok := r.exact[domain]; ok {
		return a, true
	}

	for _, s := range r.suffixes {
		if domain == s.suffix || strings.HasSuffix(domain, "."+s.suffix) {
			return s.action, true
		}
	}

	for _, k := range r.keywords {
		if strings.Contains(domain, k.keyword) {
			return k.action, true
		}
	}

	return Action{}, false
}

// Resolve is Match plus the "Proxy(id) with id unknown" fallthrough
// rule: log-and-fall-through becomes "no match" to the caller, since
// the core does not retry inside a flow.
func (r *Router) Resolve(domain string) (Action, bool) {
	a, ok := r.Match(domain)
	if !ok {
		return Action{}, false
	}
	if !a.Direct {
		if _, known := r.configs[a.ConfigID]; !known {
			return Action{}, false
		}
	}
	return a, true
}
