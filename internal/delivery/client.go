// Package delivery submits rendered messages over SMTP and classifies the
// result of each attempt.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mkrav/outreach/internal/account"
)

// Kind classifies the result of one delivery attempt. The set is closed;
// callers handle every kind explicitly.
type Kind string

const (
	// Delivered means the receiving server accepted the message.
	Delivered Kind = "delivered"

	// TransientFailure covers conditions worth retrying: 4xx responses,
	// connection and timeout errors.
	TransientFailure Kind = "transient_failure"

	// PermanentFailure covers 5xx rejections that no retry will fix.
	PermanentFailure Kind = "permanent_failure"

	// RateRejected means the remote throttled the attempt (421, 450-452).
	// Retryable, but it also signals the account is sending too fast.
	RateRejected Kind = "rate_rejected"
)

// Outcome is the result of a single delivery attempt.
type Outcome struct {
	Kind   Kind
	Reason string

	// AuthFailure marks a credential rejection. The account it happened on
	// is taken out of rotation until explicitly re-tested.
	AuthFailure bool
}

// Retryable reports whether another attempt might succeed.
func (o Outcome) Retryable() bool {
	return o.Kind == TransientFailure || o.Kind == RateRejected
}

// Sender performs one delivery attempt through one account.
type Sender interface {
	Send(ctx context.Context, acct *account.Account, msg *Message) Outcome
}

// Client submits messages through an account's SMTP endpoint. Every attempt
// opens a fresh connection and releases it on all exit paths; nothing is
// pooled across attempts.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates an SMTP delivery client.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		timeout: timeout,
		logger:  logger.With("component", "delivery"),
	}
}

// Send performs one delivery attempt. It never returns an error; every
// failure mode maps onto an Outcome kind.
func (c *Client) Send(ctx context.Context, acct *account.Account, msg *Message) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: TransientFailure, Reason: "attempt canceled: " + err.Error()}
	}

	cl, err := c.connect(acct)
	if err != nil {
		return classify(err, "connect")
	}
	defer cl.Close()
	cl.CommandTimeout = c.timeout
	cl.SubmissionTimeout = c.timeout

	if acct.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", acct.Username, acct.Credential)); err != nil {
			out := classify(err, "auth")
			if out.Kind == PermanentFailure {
				out.AuthFailure = true
			}
			return out
		}
	}

	if err := cl.Mail(msg.From, nil); err != nil {
		return classify(err, "mail from")
	}
	if err := cl.Rcpt(msg.To, nil); err != nil {
		return classify(err, "rcpt to")
	}

	wc, err := cl.Data()
	if err != nil {
		return classify(err, "data")
	}
	if _, err := wc.Write(msg.Bytes()); err != nil {
		wc.Close()
		return Outcome{Kind: TransientFailure, Reason: "data write: " + err.Error()}
	}
	if err := wc.Close(); err != nil {
		return classify(err, "data close")
	}

	cl.Quit()
	c.logger.Debug("message delivered", "account", acct.Name, "to", msg.To)
	return Outcome{Kind: Delivered}
}

// Check verifies connectivity and credentials without sending anything.
// A passing check is the only way an unhealthy account re-enters rotation.
func (c *Client) Check(ctx context.Context, acct *account.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cl, err := c.connect(acct)
	if err != nil {
		return err
	}
	defer cl.Close()
	cl.CommandTimeout = c.timeout

	if acct.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", acct.Username, acct.Credential)); err != nil {
			return err
		}
	}
	if err := cl.Noop(); err != nil {
		return err
	}
	return cl.Quit()
}

func (c *Client) connect(acct *account.Account) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName: acct.Host,
		MinVersion: tls.VersionTLS12,
	}
	switch acct.Encryption {
	case account.EncryptionTLS:
		return smtp.DialTLS(acct.Addr(), tlsConfig)
	case account.EncryptionNone:
		return smtp.Dial(acct.Addr())
	default:
		return smtp.DialStartTLS(acct.Addr(), tlsConfig)
	}
}

// classify maps an SMTP or network error onto an outcome kind.
func classify(err error, stage string) Outcome {
	reason := stage + ": " + err.Error()

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case isThrottleCode(smtpErr.Code):
			return Outcome{Kind: RateRejected, Reason: reason}
		case isAuthCode(smtpErr.Code):
			return Outcome{Kind: PermanentFailure, Reason: reason, AuthFailure: true}
		case smtpErr.Code >= 500:
			return Outcome{Kind: PermanentFailure, Reason: reason}
		case smtpErr.Code >= 400:
			return Outcome{Kind: TransientFailure, Reason: reason}
		}
	}

	// Dial, timeout and protocol errors: worth another attempt.
	return Outcome{Kind: TransientFailure, Reason: reason}
}

func isThrottleCode(code int) bool {
	switch code {
	case 421, 450, 451, 452:
		return true
	}
	return false
}

func isAuthCode(code int) bool {
	switch code {
	case 530, 534, 535:
		return true
	}
	return false
}
