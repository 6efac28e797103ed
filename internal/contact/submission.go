package contact

import (
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Forms served by this package, used as the form label in metrics and logs
const (
	FormContact    = "contact"
	FormNewsletter = "newsletter"
)

const (
	minNameLen    = 2
	maxFieldLen   = 200
	maxEmailLen   = 254
	minMessageLen = 10
	maxMessageLen = 2000
)

// ContactRequest is the JSON body of POST /api/contact.
type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Service string `json:"service"`
	Message string `json:"message"`
}

// NewsletterRequest is the JSON body of POST /api/newsletter.
type NewsletterRequest struct {
	Email string `json:"email"`
}

// Submission is a validated form submission handed to a Sink.
type Submission struct {
	ID         string    `json:"id"`
	Form       string    `json:"form"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email"`
	Company    string    `json:"company,omitempty"`
	Service    string    `json:"service,omitempty"`
	Message    string    `json:"message,omitempty"`
	ClientIP   string    `json:"client_ip"`
	RequestID  string    `json:"request_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Normalize trims surrounding whitespace from every field.
func (c ContactRequest) Normalize() ContactRequest {
	return ContactRequest{
		Name:    strings.TrimSpace(c.Name),
		Email:   strings.TrimSpace(c.Email),
		Company: strings.TrimSpace(c.Company),
		Service: strings.TrimSpace(c.Service),
		Message: strings.TrimSpace(c.Message),
	}
}

// Validate returns user-facing problems with a normalized request, empty when valid.
func (c ContactRequest) Validate() []string {
	var errs []string

	switch n := utf8.RuneCountInString(c.Name); {
	case n == 0:
		errs = append(errs, "Name is required")
	case n < minNameLen:
		errs = append(errs, "Name must be at least 2 characters")
	case n > maxFieldLen:
		errs = append(errs, "Name must be less than 200 characters")
	}

	if msg := validateEmail(c.Email); msg != "" {
		errs = append(errs, msg)
	}

	switch n := utf8.RuneCountInString(c.Message); {
	case n == 0:
		errs = append(errs, "Message is required")
	case n < minMessageLen:
		errs = append(errs, "Message must be at least 10 characters")
	case n > maxMessageLen:
		errs = append(errs, "Message must be less than 2000 characters")
	}

	if utf8.RuneCountInString(c.Company) > maxFieldLen {
		errs = append(errs, "Company must be less than 200 characters")
	}
	if utf8.RuneCountInString(c.Service) > maxFieldLen {
		errs = append(errs, "Service must be less than 200 characters")
	}

	for _, f := range []string{c.Name, c.Email, c.Company, c.Service} {
		if !safeLine(f) {
			errs = append(errs, "Invalid characters detected in form data")
			return errs
		}
	}
	if !safeText(c.Message) {
		errs = append(errs, "Invalid characters detected in form data")
	}
	return errs
}

// Validate returns user-facing problems with the newsletter request.
func (n NewsletterRequest) Validate() []string {
	email := strings.TrimSpace(n.Email)
	if msg := validateEmail(email); msg != "" {
		return []string{msg}
	}
	if !safeLine(email) {
		return []string{"Invalid characters detected in form data"}
	}
	return nil
}

// validateEmail accepts exactly one bare address, no display name or group.
func validateEmail(s string) string {
	if s == "" {
		return "Email is required"
	}
	if len(s) > maxEmailLen {
		return "Email address is too long"
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return "Please enter a valid email address"
	}
	if _, domain, _ := strings.Cut(addr.Address, "@"); !strings.Contains(domain, ".") {
		return "Please enter a valid email address"
	}
	return ""
}

// safeLine rejects control characters and angle brackets.
func safeLine(s string) bool {
	for _, r := range s {
		if r == '<' || r == '>' || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// safeText is safeLine allowing line breaks and tabs.
func safeText(s string) bool {
	for _, r := range s {
		switch r {
		case '\n', '\r', '\t':
			continue
		case '<', '>':
			return false
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
