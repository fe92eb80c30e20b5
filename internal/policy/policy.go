// Package policy implements the admission gate applied to every URL before
// any network call, plus the robots.txt enforcement and the dynamic host
// denylist that feed it.
package policy

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/config"
	"github.com/atlasintel/prospector/internal/telemetry"
)

// Block reasons recorded in events and metrics.
const (
	ReasonMalformedURL      = "malformed-url"
	ReasonNonWhitelistedHost = "non-whitelisted-host"
	ReasonBlockedPath       = "blocked-path"
	ReasonBlockedMethod     = "blocked-method"
	ReasonRobotsDisallow    = "robots-disallow"
	ReasonDenylistedHost    = "denylisted-host"
	ReasonUnreachable       = "unreachable"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision           { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Gate evaluates admission rules in a fixed order: URL shape, method, host
// allowlist, dynamic denylist, path blocklist, robots.
type Gate struct {
	allowedDomains []string
	blockedPaths   []string
	blockedMethods map[string]struct{}
	robots         RobotsPolicy
	denylist       *Denylist
	logger         *zap.Logger
}

// NewGate builds a Gate from the policy configuration.
func NewGate(cfg config.PolicyConfig, robots RobotsPolicy, logger *zap.Logger) *Gate {
	methods := make(map[string]struct{}, len(cfg.BlockedMethods))
	for _, m := range cfg.BlockedMethods {
		methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return &Gate{
		allowedDomains: domains,
		blockedPaths:   cfg.BlockedPaths,
		blockedMethods: methods,
		robots:         robots,
		denylist:       NewDenylist(cfg.ForbiddenThreshold),
		logger:         logger,
	}
}

// Admit checks whether a request may proceed. A denied decision carries the
// first matching block reason.
func (g *Gate) Admit(ctx context.Context, method, rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return g.blocked(rawURL, ReasonMalformedURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return g.blocked(rawURL, ReasonMalformedURL)
	}
	if _, ok := g.blockedMethods[strings.ToUpper(method)]; ok {
		return g.blocked(rawURL, ReasonBlockedMethod)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if !g.hostAllowed(host) {
		return g.blocked(rawURL, ReasonNonWhitelistedHost)
	}
	if g.denylist.IsBlocked(host) {
		return g.blocked(rawURL, ReasonDenylistedHost)
	}
	if reason, hit := g.pathBlocked(u.Path); hit {
		g.logger.Debug("path blocked", zap.String("url", rawURL), zap.String("prefix", reason))
		return g.blocked(rawURL, ReasonBlockedPath)
	}
	if g.robots != nil && !g.robots.Allowed(ctx, rawURL) {
		return g.blocked(rawURL, ReasonRobotsDisallow)
	}
	return allow()
}

// MarkForbidden reports a 401/403 for host; it returns true once the host
// crosses the threshold and lands on the denylist.
func (g *Gate) MarkForbidden(host string) bool {
	return g.denylist.MarkForbidden(host)
}

func (g *Gate) blocked(rawURL, reason string) Decision {
	telemetry.ObservePolicyBlock(reason)
	g.logger.Debug("admission denied", zap.String("url", rawURL), zap.String("reason", reason))
	return deny(reason)
}

// hostAllowed matches the host exactly or as a subdomain of an allowed
// domain. An empty allowlist admits every host.
func (g *Gate) hostAllowed(host string) bool {
	if len(g.allowedDomains) == 0 {
		return true
	}
	for _, d := range g.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// pathBlocked matches blocked prefixes case-sensitively.
func (g *Gate) pathBlocked(p string) (string, bool) {
	for _, prefix := range g.blockedPaths {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(p, prefix) {
			return prefix, true
		}
	}
	return "", false
}
