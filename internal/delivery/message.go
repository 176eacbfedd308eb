package delivery

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrav/outreach/internal/email"
)

// Message is a fully rendered email ready for one delivery attempt.
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	Text     string
	HTML     string
}

// fromHeader returns the RFC 5322 From header value.
func (m *Message) fromHeader() string {
	if m.FromName != "" {
		return fmt.Sprintf("%s <%s>", m.FromName, m.From)
	}
	return m.From
}

// Bytes assembles the RFC 5322 message. Messages with both bodies are built
// as multipart/alternative with the text part first.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.fromHeader()))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", m.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", m.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), email.ExtractDomain(m.From)))

	if m.HTML != "" {
		boundary := uuid.New().String()
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		if m.Text != "" {
			buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
			buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			buf.WriteString("\r\n")
			buf.WriteString(m.Text)
			buf.WriteString("\r\n")
		}

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(m.HTML)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(m.Text)
	}

	return buf.Bytes()
}
