// Package mailer delivers single messages through an email transport with
// bounded per-message retry.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/bulletin/internal/job"
)

// Message is one rendered email addressed to one recipient.
type Message struct {
	To          string
	From        string
	ReplyTo     string
	Subject     string
	HTML        string
	Attachments []job.Attachment
}

// Validate checks the fields every transport needs.
func (m *Message) Validate() error {
	switch {
	case m.To == "":
		return errors.New("message missing recipient")
	case m.From == "":
		return errors.New("message missing sender")
	case m.Subject == "":
		return errors.New("message missing subject")
	case m.HTML == "":
		return errors.New("message missing body")
	}
	for i, a := range m.Attachments {
		if a.Filename == "" {
			return fmt.Errorf("attachment %d missing filename", i)
		}
	}
	return nil
}

// Transport delivers one message and returns the provider message id.
type Transport interface {
	Deliver(ctx context.Context, msg *Message) (messageID string, err error)
}

// Result is the outcome of Send after all attempts.
type Result struct {
	Success   bool
	MessageID string
	Err       error
	Transient bool
	Attempts  int
}

// Outcome converts the result to a persisted recipient outcome.
func (r Result) Outcome(email string) job.RecipientOutcome {
	o := job.RecipientOutcome{
		Email:     email,
		Success:   r.Success,
		MessageID: r.MessageID,
		Transient: r.Transient,
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return o
}
