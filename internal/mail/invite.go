package mail

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"
)

const (
	// InviteSubject is the subject line of registration invites.
	InviteSubject = "Clemson University Makerspace Registration"

	defaultSenderAddress   = "no-reply@visit.cumaker.space"
	defaultReplyToAddress  = "makerspace@clemson.edu"
	defaultRecipientDomain = "clemson.edu"
)

var inviteHTML = template.Must(template.New("invite").Parse(`<html>
<head></head>
<body>
<h1>Clemson University Makerspace Registration</h1>
<p>Hello {{.Username}},</p>
<p>Our records indicate that you have not registered with the Makerspace yet.
Please <a href="{{.Link}}">complete your registration</a> before {{.Expires}}.</p>
<p>If you did not sign in at the Makerspace, you can ignore this email.</p>
</body>
</html>
`))

// ComposerConfig addresses registration invites.
type ComposerConfig struct {
	Sender          string
	ReplyTo         string
	RecipientDomain string
	// BaseURL is the public origin of the site, e.g. https://visit.cumaker.space.
	BaseURL string
}

// Composer renders registration invite emails.
type Composer struct {
	sender          string
	replyTo         string
	recipientDomain string
	baseURL         string
}

// NewComposer validates the configuration and applies the default addresses.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mail: base url required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("mail: base url must be an absolute http(s) url: %q", cfg.BaseURL)
	}
	composer := &Composer{
		sender:          strings.TrimSpace(cfg.Sender),
		replyTo:         strings.TrimSpace(cfg.ReplyTo),
		recipientDomain: strings.TrimPrefix(strings.TrimSpace(cfg.RecipientDomain), "@"),
		baseURL:         baseURL,
	}
	if composer.sender == "" {
		composer.sender = defaultSenderAddress
	}
	if composer.replyTo == "" {
		composer.replyTo = defaultReplyToAddress
	}
	if composer.recipientDomain == "" {
		composer.recipientDomain = defaultRecipientDomain
	}
	return composer, nil
}

// RegistrationLink returns the link a visitor follows to register with token.
func (c *Composer) RegistrationLink(token string) string {
	return c.baseURL + "/register?token=" + url.QueryEscape(token)
}

// Recipient returns the mailbox that invites for username are sent to.
func (c *Composer) Recipient(username string) string {
	return username + "@" + c.recipientDomain
}

// Invite renders the registration email for username.
func (c *Composer) Invite(username string, token string, expiresAt time.Time) (Message, error) {
	link := c.RegistrationLink(token)
	expires := expiresAt.UTC().Format("January 2, 2006 15:04 MST")

	var html bytes.Buffer
	err := inviteHTML.Execute(&html, struct {
		Username string
		Link     string
		Expires  string
	}{Username: username, Link: link, Expires: expires})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render invite: %w", err)
	}

	text := fmt.Sprintf("Hello %s,\n"+
		"Our records indicate that you have not registered with the Makerspace yet.\n"+
		"Please go to %s to register before %s.\n", username, link, expires)

	return Message{
		To:       c.Recipient(username),
		From:     c.sender,
		ReplyTo:  c.replyTo,
		Subject:  InviteSubject,
		TextBody: text,
		HTMLBody: html.String(),
	}, nil
}
