package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset" // non-UTF-8 newsletter bodies
	"github.com/emersion/go-message/mail"
)

// Parse reads an RFC 5322 message and returns its headers and text bodies.
// Attachments are skipped. The first text/plain and text/html parts win.
func Parse(r io.Reader) (Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	defer func() { _ = mr.Close() }()

	var msg Message
	msg.Subject, _ = mr.Header.Subject()
	msg.Date, _ = mr.Header.Date()
	msg.ID, _ = mr.Header.MessageID()
	msg.From = formatFrom(mr.Header)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever parsed before the broken part.
			if msg.HTMLBody == "" && msg.TextBody == "" {
				return msg, fmt.Errorf("read message part: %w", err)
			}
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
			msg.HTMLBody = string(body)
		case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
			msg.TextBody = string(body)
		}
	}
	return msg, nil
}

func formatFrom(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return h.Get("From")
	}
	if addrs[0].Name == "" {
		return addrs[0].Address
	}
	return addrs[0].Name + " <" + addrs[0].Address + ">"
}
