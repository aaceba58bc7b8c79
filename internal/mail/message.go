package mail

import (
	"context"
	"errors"
)

// ErrUnavailable indicates that a message could not be handed to the transport.
var ErrUnavailable = errors.New("mail: transport unavailable")

// Message is one outbound email.
type Message struct {
	To       string `json:"to"`
	From     string `json:"from"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Sender dispatches messages. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, message Message) error
}
