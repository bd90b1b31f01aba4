package payments

import (
	"errors"
	"time"
)

// Renewal kinds carried in checkout metadata as `renewal_type`.
const (
	RenewalEarly    = "early"
	RenewalStandard = "standard"
	RenewalFiveYear = "5year"
)

// Metadata keys the platform writes into checkout sessions and coupons.
const (
	MetaPurpose          = "purpose"
	MetaRenewalType      = "renewal_type"
	MetaUserID           = "user_id"
	MetaCurrentPeriodEnd = "current_period_end"
	MetaDurationMonths   = "duration_months"
	MetaFeaturedDays     = "featured_days"
)

var (
	// ErrSecretMissing means the shared webhook secret is not configured.
	// This is a server configuration fault, never a caller error.
	ErrSecretMissing = errors.New("stripe webhook secret is not configured")

	// ErrInvalidSignature covers missing and non-verifying signature headers.
	ErrInvalidSignature = errors.New("invalid stripe webhook signature")

	// ErrEmailNotVerified blocks the pending-to-active account transition when
	// the user's email address is unverified. The payment stays recorded; the
	// provider retries until the address is verified.
	ErrEmailNotVerified = errors.New("account email is not verified")

	// ErrMissingRenewalType is raised when a membership_renewal event carries
	// no renewal_type metadata. The payment stays recorded; membership state
	// is left untouched.
	ErrMissingRenewalType = errors.New("renewal event is missing renewal_type metadata")

	// ErrMissingExpiry is raised when an early or standard renewal has no
	// known current expiry, neither as a hint nor as a membership row.
	ErrMissingExpiry = errors.New("renewal requires a known current expiry")

	// ErrUnknownRenewalKind is raised for renewal_type values outside the
	// supported set.
	ErrUnknownRenewalKind = errors.New("unknown renewal kind")

	// ErrMembershipInvariant means the membership row written by the current
	// invocation could not be read back. There is no recomputed fallback for
	// the emailed expiry; the absence of the row is surfaced as a hard error.
	ErrMembershipInvariant = errors.New("membership row missing after write")
)

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// Notifier sends templated, best-effort notifications. Implementations must
// never block correctness: errors are logged by the caller and dropped.
type Notifier interface {
	Send(to, templateKey string, vars map[string]string) error
}

// Clock is injected into the service so date math is testable.
type Clock func() time.Time
