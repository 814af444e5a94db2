package content

import (
	"context"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/miekg/dns"
)

// EmailReason enumerates the deny reasons §4.6 defines for the email
// rule.
type EmailReason string

const (
	ReasonDisposable   EmailReason = "DISPOSABLE"
	ReasonInvalid      EmailReason = "INVALID"
	ReasonNoMXRecord   EmailReason = "NO_MX_RECORDS"
	ReasonFree         EmailReason = "FREE"
	ReasonRoleBased    EmailReason = "ROLE_BASED"
	ReasonCatchAll     EmailReason = "CATCH_ALL"
	ReasonUnverifiable EmailReason = "UNVERIFIABLE"
	ReasonTypoDomain   EmailReason = "TYPO_DOMAIN"
)

// EmailConfig lists which reasons are enabled (§4.6: "DENY ... when any
// configured reason triggers"), plus the curated dictionaries the
// syntactic/heuristic checks consult.
type EmailConfig struct {
	Reasons           []EmailReason
	DisposableDomains map[string]bool
	FreeDomains       map[string]bool
	RoleLocalParts    map[string]bool
	TypoDomains       map[string]bool // known-typo -> corrected domain mapping keys
	Resolver          *Resolver
}

// Resolver is a small seam over DNS MX/A lookups so tests can supply
// a fake; the production path wraps miekg/dns the way the example pack's
// DNS-serving repos do (straticus1-dnsscienced: dns.Client + ExchangeContext).
type Resolver struct {
	Client  *dns.Client
	Servers []string
	Timeout time.Duration
}

// NewResolver builds a Resolver against the given upstream servers, used
// as given; with an empty server list every MX lookup fails with
// errNoResolver.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		Client:  &dns.Client{Timeout: timeout},
		Servers: servers,
		Timeout: timeout,
	}
}

func (r *Resolver) hasMX(ctx context.Context, domain string) (bool, error) {
	if r == nil || len(r.Servers) == 0 {
		return false, errNoResolver
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	var lastErr error
	for _, server := range r.Servers {
		in, _, err := r.Client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range in.Answer {
			if _, ok := rr.(*dns.MX); ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, lastErr
}

var errNoResolver = &noResolverError{}

type noResolverError struct{}

func (*noResolverError) Error() string { return "content: no DNS resolver configured" }

// EmailResult reports the triggering reason, if any.
type EmailResult struct {
	Denied bool
	Reason EmailReason
}

func (c EmailConfig) enabled(r EmailReason) bool {
	for _, want := range c.Reasons {
		if want == r {
			return true
		}
	}
	return false
}

// ValidateEmail runs §4.6's checks in the order they're defined,
// returning the first triggering reason that's also enabled in cfg.
// MX/catch-all checks are best-effort: a DNS failure yields UNVERIFIABLE
// if that reason is enabled, else the email is allowed through.
func ValidateEmail(ctx context.Context, email string, cfg EmailConfig) EmailResult {
	email = strings.TrimSpace(email)

	if !govalidator.IsEmail(email) {
		if cfg.enabled(ReasonInvalid) {
			return EmailResult{Denied: true, Reason: ReasonInvalid}
		}
		return EmailResult{}
	}

	at := strings.LastIndexByte(email, '@')
	local := strings.ToLower(email[:at])
	domain := strings.ToLower(email[at+1:])

	if cfg.enabled(ReasonDisposable) && cfg.DisposableDomains[domain] {
		return EmailResult{Denied: true, Reason: ReasonDisposable}
	}
	if cfg.enabled(ReasonFree) && cfg.FreeDomains[domain] {
		return EmailResult{Denied: true, Reason: ReasonFree}
	}
	if cfg.enabled(ReasonRoleBased) && cfg.RoleLocalParts[local] {
		return EmailResult{Denied: true, Reason: ReasonRoleBased}
	}
	if cfg.enabled(ReasonTypoDomain) && cfg.TypoDomains[domain] {
		return EmailResult{Denied: true, Reason: ReasonTypoDomain}
	}

	if cfg.enabled(ReasonNoMXRecord) || cfg.enabled(ReasonUnverifiable) {
		ok, err := cfg.Resolver.hasMX(ctx, domain)
		if err != nil {
			if cfg.enabled(ReasonUnverifiable) {
				return EmailResult{Denied: true, Reason: ReasonUnverifiable}
			}
			return EmailResult{}
		}
		if !ok && cfg.enabled(ReasonNoMXRecord) {
			return EmailResult{Denied: true, Reason: ReasonNoMXRecord}
		}
	}

	// CATCH_ALL detection requires an SMTP RCPT TO probe against a
	// synthetic mailbox, which this DNS-only resolver doesn't perform;
	// ReasonCatchAll is accepted in config for forward compatibility but
	// never itself triggers here.
	return EmailResult{}
}
