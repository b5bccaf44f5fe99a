package services

import (
	"html"
	"regexp"
	"strings"

	"github.com/alimgiray/repomailer/internal/models"
)

// placeholderPattern matches {{field}} with optional inner spacing
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// RenderTemplate substitutes recipient fields into tmpl; unknown fields render blank
func RenderTemplate(tmpl string, r models.Recipient) string {
	return render(tmpl, r, func(v string) string { return v })
}

// RenderHTMLTemplate is RenderTemplate with every substituted value HTML-escaped
func RenderHTMLTemplate(tmpl string, r models.Recipient) string {
	return render(tmpl, r, html.EscapeString)
}

func render(tmpl string, r models.Recipient, escape func(string) string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := strings.ToLower(placeholderPattern.FindStringSubmatch(m)[1])
		switch field {
		case "email":
			return escape(r.Email)
		case "name":
			return escape(r.Name)
		case "username":
			return escape(r.Username)
		case "repository":
			return escape(r.Repository)
		default:
			return ""
		}
	})
}

// RenderMessage renders the subject, HTML and text templates for one recipient.
// Only the HTML body escapes values; the subject and text parts are plain text.
func RenderMessage(t models.MessageTemplate, r models.Recipient) *models.OutgoingMessage {
	msg := &models.OutgoingMessage{
		To:      r.Email,
		ToName:  r.Name,
		Subject: RenderTemplate(t.Subject, r),
		HTML:    RenderHTMLTemplate(t.HTML, r),
	}
	if strings.TrimSpace(t.Text) != "" {
		msg.Text = RenderTemplate(t.Text, r)
	}
	return msg
}
