package payments

import (
	"github.com/LukasBehrendt/StudioMap/internal/pkg/mail"
)

// Notification template keys.
const (
	TemplatePaymentSuccess  = "payment-success"
	TemplateFeaturedUpgrade = "featured-upgrade"
)

type smtpNotifier struct{}

// NewSMTPNotifier returns the production notifier backed by the mail package.
func NewSMTPNotifier() Notifier {
	return smtpNotifier{}
}

func (smtpNotifier) Send(to, templateKey string, vars map[string]string) error {
	return mail.SendTemplate(to, templateKey, vars)
}
