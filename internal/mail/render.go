package mail

import (
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var flowTemplates = map[challenge.Flow]struct {
	file    string
	subject string
}{
	challenge.FlowEmailVerification: {"email_verification.html", "Verify your email address"},
	challenge.FlowEmailUpdate:       {"email_update.html", "Confirm your new email address"},
	challenge.FlowPasswordReset:     {"password_reset.html", "Password reset request"},
}

type templateData struct {
	Code          string
	ExpiryMinutes int
}

// Render produces the message for a verification request.
func Render(req Request, expiryMinutes int) (Message, error) {
	entry, ok := flowTemplates[req.Flow]
	if !ok {
		return Message{}, fmt.Errorf("mail: unknown flow %q", req.Flow)
	}

	var body strings.Builder
	err := templates.ExecuteTemplate(&body, entry.file, templateData{
		Code:          req.Code,
		ExpiryMinutes: expiryMinutes,
	})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render %s: %w", entry.file, err)
	}

	return Message{To: req.To, Subject: entry.subject, HTML: body.String()}, nil
}
