package boundary

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrHostDenied reports a network target outside the host allowlist or
	// on the denylist.
	ErrHostDenied = errors.New("network host denied")
	// ErrTLSRequired reports a plaintext URL where the policy demands TLS.
	ErrTLSRequired = errors.New("TLS required for network target")
)

// NetworkPolicy constrains egress targets for net.* capabilities.
// Host patterns support a leading wildcard ("*.example.com").
type NetworkPolicy struct {
	AllowedHosts []string
	DeniedHosts  []string
	RequireTLS   bool

	compiled []*regexp.Regexp
}

// NewNetworkPolicy compiles the allowlist patterns once up front.
func NewNetworkPolicy(allowed, denied []string, requireTLS bool) (*NetworkPolicy, error) {
	np := &NetworkPolicy{
		AllowedHosts: allowed,
		DeniedHosts:  denied,
		RequireTLS:   requireTLS,
	}
	for _, host := range allowed {
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(host), "\\*", ".*") + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile host pattern %q: %w", host, err)
		}
		np.compiled = append(np.compiled, re)
	}
	return np, nil
}

// CheckURL validates a network target against the policy. Targets that are
// not URLs (connector identifiers like "connector.email") are matched as
// bare hosts.
func (np *NetworkPolicy) CheckURL(target string) error {
	host := target
	scheme := ""
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
		scheme = u.Scheme
	}

	if np.RequireTLS && scheme != "" && scheme != "https" {
		return fmt.Errorf("%w: %s", ErrTLSRequired, target)
	}

	for _, denied := range np.DeniedHosts {
		if matchHost(denied, host) {
			return fmt.Errorf("%w: host explicitly denied: %s", ErrHostDenied, host)
		}
	}

	if len(np.AllowedHosts) > 0 {
		for _, re := range np.compiled {
			if re.MatchString(host) {
				return nil
			}
		}
		return fmt.Errorf("%w: host not in allowlist: %s", ErrHostDenied, host)
	}

	return nil
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		domain := pattern[2:]
		return strings.HasSuffix(host, domain) || host == domain
	}
	return pattern == host
}
