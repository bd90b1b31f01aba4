package mail

import (
	"fmt"
	"log"
	"net/smtp"
	"regexp"
	"strings"

	"github.com/LukasBehrendt/StudioMap/internal/pkg/env"
)

// SMTPMailer sends emails via SMTP
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	} else {
		log.Printf("Email sent to %s via %s", to, addr)
	}
	return err
}

type mailTemplate struct {
	subject string
	body    string
}

// Transactional mail templates, keyed the way the payments engine refers to
// them. Placeholders use {{name}} syntax and are replaced verbatim.
var templates = map[string]mailTemplate{
	"payment-success": {
		subject: "Zahlung erhalten – deine Mitgliedschaft ist aktiv",
		body: "<p>Hallo {{name}},</p>" +
			"<p>wir haben deine Zahlung über {{amount}} erhalten (Referenz {{payment_ref}}).</p>" +
			"<p>Deine Mitgliedschaft ist gültig bis: {{valid_until}}</p>" +
			"<p>Dein StudioMap Team</p>",
	},
	"featured-upgrade": {
		subject: "Dein Studio ist jetzt hervorgehoben",
		body: "<p>Hallo {{name}},</p>" +
			"<p>dein Studio wird bis zum {{featured_until}} prominent gelistet (Referenz {{payment_ref}}).</p>" +
			"<p>Dein StudioMap Team</p>",
	},
}

var placeholderRe = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

// renderTemplate fills a named template with the given variables. Unknown
// template keys are an error; unsupplied variables render as empty.
func renderTemplate(templateKey string, vars map[string]string) (subject, body string, err error) {
	tpl, ok := templates[templateKey]
	if !ok {
		return "", "", fmt.Errorf("unknown mail template %q", templateKey)
	}

	body = tpl.body
	for k, v := range vars {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	body = placeholderRe.ReplaceAllString(body, "")

	return tpl.subject, body, nil
}

// SendTemplate renders a named template and sends it.
func SendTemplate(to, templateKey string, vars map[string]string) error {
	subject, body, err := renderTemplate(templateKey, vars)
	if err != nil {
		return err
	}
	return SendMail(to, subject, body)
}
