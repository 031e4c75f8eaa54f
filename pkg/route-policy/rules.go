package routepolicy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Policy decides which requests may be served from the cache.
type Policy interface {
	Cacheable(host, path string) bool
}

// Func adapts a plain function to a Policy.
type Func func(host, path string) bool

func (f Func) Cacheable(host, path string) bool {
	return f(host, path)
}

type Rules []Rule

// Rule matches requests on host and path.
// All conditions that are set must match; a rule without conditions matches every request.
type Rule struct {
	// Host must equal the request host, if set.
	Host string `yaml:"host"`
	// Path must equal the request path, if set.
	Path string `yaml:"path"`
	// Prefix must be a prefix of the request path, if set.
	Prefix string `yaml:"prefix"`
	// Pattern is a regular expression the request path must match, if set.
	Pattern string `yaml:"pattern"`

	pattern *regexp.Regexp
}

// Default caches the root path of any host.
func Default() Rules {
	return Rules{{Path: "/"}}
}

// Compile validates the rules and prepares their patterns.
// Errors name the offending rule by index, e.g. `[1].pattern: ...`.
func (r Rules) Compile() (Rules, error) {
	compiled := make(Rules, len(r))
	for i, rule := range r {
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("[%d].pattern: %w", i, err)
			}
			rule.pattern = re
		}
		compiled[i] = rule
	}
	return compiled, nil
}

func (r Rules) Cacheable(host, path string) bool {
	return r.find(host, path) != nil
}

func (r Rules) find(host, path string) *Rule {
	log.Trace().Msgf("Finding rule for request %s%s", host, path)
	for i := range r {
		rule := &r[i]
		if rule.Host != "" && rule.Host != host {
			continue
		}
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		if rule.Pattern != "" && !rule.matchPattern(path) {
			continue
		}
		return rule
	}
	return nil
}

func (rule *Rule) matchPattern(path string) bool {
	if rule.pattern != nil {
		return rule.pattern.MatchString(path)
	}
	// not compiled, invalid patterns never match
	matched, err := regexp.MatchString(rule.Pattern, path)
	if err != nil {
		log.Warn().Err(err).Str("pattern", rule.Pattern).Msg("Invalid route pattern")
		return false
	}
	return matched
}
