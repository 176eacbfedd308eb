package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-smtp"
)

func smtpErr(code int, msg string) error {
	return &smtp.SMTPError{Code: code, Message: msg}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantAuth bool
	}{
		{"throttled 421", smtpErr(421, "too many connections"), RateRejected, false},
		{"throttled 450", smtpErr(450, "mailbox busy"), RateRejected, false},
		{"throttled 451", smtpErr(451, "rate limit exceeded"), RateRejected, false},
		{"throttled 452", smtpErr(452, "insufficient storage"), RateRejected, false},
		{"auth 535", smtpErr(535, "authentication failed"), PermanentFailure, true},
		{"auth 530", smtpErr(530, "authentication required"), PermanentFailure, true},
		{"auth 534", smtpErr(534, "mechanism too weak"), PermanentFailure, true},
		{"permanent 550", smtpErr(550, "no such user"), PermanentFailure, false},
		{"permanent 554", smtpErr(554, "transaction failed"), PermanentFailure, false},
		{"transient 447", smtpErr(447, "timed out"), TransientFailure, false},
		{"wrapped smtp error", fmt.Errorf("rcpt: %w", smtpErr(550, "no such user")), PermanentFailure, false},
		{"network error", errors.New("dial tcp: connection refused"), TransientFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := classify(tt.err, "send")
			if out.Kind != tt.wantKind {
				t.Errorf("classify() kind = %v, want %v", out.Kind, tt.wantKind)
			}
			if out.AuthFailure != tt.wantAuth {
				t.Errorf("classify() authFailure = %v, want %v", out.AuthFailure, tt.wantAuth)
			}
			if out.Reason == "" {
				t.Error("classify() reason is empty")
			}
		})
	}
}

func TestOutcomeRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Delivered, false},
		{TransientFailure, true},
		{PermanentFailure, false},
		{RateRejected, true},
	}
	for _, tt := range tests {
		if got := (Outcome{Kind: tt.kind}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
