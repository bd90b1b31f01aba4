package constants

// Static route constants
const (
	StripeWebhookRoute  = "/stripe/webhook"
	AdminGrantRoute     = "/memberships/grant"
	AdminCancelRoute    = "/memberships/cancel"
	UserMembershipRoute        = "/users/:id/membership"
	UserMembershipHistoryRoute = "/users/:id/memberships"
	UserStudioRoute            = "/users/:id/studio"
	PingRoute                  = "/ping"
)
