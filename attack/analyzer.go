// Package attack implements the stateful anomaly detectors: brute-force
// login counting, IP reputation screening, and request-pattern history. Each
// detector is side-effect-isolated and absorbs its collaborator failures; a
// store or geo outage degrades the detector to a safe default instead of
// failing the request.
package attack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/sensorgate/counterstore"
	"github.com/c360/sensorgate/secevent"
)

// Config holds the detector thresholds.
type Config struct {
	// MaxLoginAttempts is the per-(ip,user) count that classifies as brute
	// force within the login window.
	MaxLoginAttempts int64
	// LoginWindow is the TTL of the login-attempt counter. Each attempt
	// resets it.
	LoginWindow time.Duration
	// SuspiciousCountries is the ISO-code deny list for the geolocation
	// check.
	SuspiciousCountries []string
	// MaxRequestPatterns bounds the per-IP request history.
	MaxRequestPatterns int64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxLoginAttempts:   5,
		LoginWindow:        time.Hour,
		MaxRequestPatterns: 100,
	}
}

// Analyzer runs the detectors over the shared counter store.
type Analyzer struct {
	store    counterstore.Store
	geo      GeoResolver
	botnet   BotnetChecker
	events   *secevent.Pipeline
	logger   *slog.Logger
	cfg      Config
	denyList map[string]struct{}
}

// NewAnalyzer creates an analyzer. geo may be nil, which disables the
// geolocation check; a nil botnet checker falls back to the no-op default.
func NewAnalyzer(store counterstore.Store, geo GeoResolver, events *secevent.Pipeline, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = DefaultConfig().MaxLoginAttempts
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = DefaultConfig().LoginWindow
	}
	if cfg.MaxRequestPatterns <= 0 {
		cfg.MaxRequestPatterns = DefaultConfig().MaxRequestPatterns
	}

	denyList := make(map[string]struct{}, len(cfg.SuspiciousCountries))
	for _, c := range cfg.SuspiciousCountries {
		denyList[c] = struct{}{}
	}

	return &Analyzer{
		store:    store,
		geo:      geo,
		botnet:   NoopBotnetChecker{},
		events:   events,
		logger:   logger,
		cfg:      cfg,
		denyList: denyList,
	}
}

// SetBotnetChecker replaces the secondary reputation source.
func (a *Analyzer) SetBotnetChecker(checker BotnetChecker) {
	if checker != nil {
		a.botnet = checker
	}
}

// RecordLoginAttempt increments the (ip, user) counter, resets its TTL, and
// reports whether the attempt count classifies as brute force. The counter
// increments unconditionally and the classification re-triggers on every
// attempt at or past the threshold within the window, so each failed login
// past the limit re-escalates a critical event.
//
// A store outage degrades to "not brute force" and is logged; it never
// propagates to the request.
func (a *Analyzer) RecordLoginAttempt(ctx context.Context, ip string, userID int64) bool {
	key := fmt.Sprintf("login_attempts:%s:%d", ip, userID)

	attempts, err := a.store.IncrWithTTL(ctx, key, a.cfg.LoginWindow)
	if err != nil {
		a.logger.Warn("login-attempt counter unavailable, skipping brute-force check",
			"ip", ip, "user_id", userID, "error", err)
		return false
	}

	if attempts >= a.cfg.MaxLoginAttempts {
		a.events.Log(ctx, secevent.EventBruteForce, map[string]any{
			"ip_address": ip,
			"user_id":    userID,
			"attempts":   attempts,
		}, ip, userID, secevent.SeverityCritical)
		return true
	}
	return false
}

// CheckIPReputation resolves the IP's country and reports whether it is on
// the deny list, emitting a warning event when it is. Lookup failures take
// the explicit fail-open branch: the error detail is logged as a
// suspicious_ip event at warning severity and the IP is treated as clean.
func (a *Analyzer) CheckIPReputation(ctx context.Context, ip string) bool {
	if a.geo != nil {
		country, err := a.geo.CountryCode(ip)
		switch {
		case err != nil:
			// Fail-open: invalid/private IPs and database misses are
			// recorded but never block the request.
			a.events.Log(ctx, secevent.EventSuspiciousIP, map[string]any{
				"ip_address": ip,
				"error":      err.Error(),
			}, ip, 0, secevent.SeverityWarning)
			return false
		default:
			if _, denied := a.denyList[country]; denied {
				a.events.Log(ctx, secevent.EventSuspiciousIP, map[string]any{
					"ip_address": ip,
					"country":    country,
				}, ip, 0, secevent.SeverityWarning)
				return true
			}
		}
	}

	return a.botnet.IsKnownBotnet(ip)
}

// RecordRequestPattern appends "{method}:{path}" to the IP's bounded,
// most-recent-first history. Insertion order is preserved, duplicates are
// kept, and eviction is FIFO from the tail. Store failures are logged and
// swallowed.
func (a *Analyzer) RecordRequestPattern(ctx context.Context, ip, path, method string) {
	key := "request_pattern:" + ip
	entry := method + ":" + path

	if err := a.store.PushTrim(ctx, key, entry, a.cfg.MaxRequestPatterns); err != nil {
		a.logger.Warn("request-pattern history unavailable",
			"ip", ip, "error", err)
	}
}

// RequestPatterns returns up to n recent history entries for the IP, most
// recent first. Read access is an extension point for pattern scoring.
func (a *Analyzer) RequestPatterns(ctx context.Context, ip string, n int64) ([]string, error) {
	return a.store.RecentEntries(ctx, "request_pattern:"+ip, n)
}
