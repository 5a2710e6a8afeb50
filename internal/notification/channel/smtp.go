package channel

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender relays email through a plain SMTP server.
type SMTPSender struct {
	addr     string
	host     string
	auth     smtp.Auth
	from     string
	sendMail SendMailFunc
	logger   logger.Logger
}

func NewSMTPSender(host string, port int, username, password, from string, log logger.Logger) *SMTPSender {
	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		host:     host,
		auth:     auth,
		from:     from,
		sendMail: smtp.SendMail,
		logger:   log.WithFields(map[string]interface{}{"component": "sender", "channel": "email", "provider": "smtp"}),
	}
}

// WithSendMail replaces the transport, used by tests.
func (s *SMTPSender) WithSendMail(fn SendMailFunc) *SMTPSender {
	s.sendMail = fn
	return s
}

func (s *SMTPSender) Channel() models.Channel { return models.ChannelEmail }

func (s *SMTPSender) Send(ctx context.Context, msg Message) models.SendResult {
	content, ok := msg.Content.(models.EmailContent)
	if !ok {
		return models.PermanentFailure("smtp sender needs email content")
	}
	messageID := fmt.Sprintf("<%s@%s>", msg.EntryID, s.host)
	body, err := buildMIME(s.from, msg.Address, messageID, content)
	if err != nil {
		return models.PermanentFailure(err.Error())
	}

	// net/smtp has no context support; the registry timeout abandons the
	// call and the goroutine finishes on its own.
	errc := make(chan error, 1)
	go func() { errc <- s.sendMail(s.addr, s.auth, s.from, []string{msg.Address}, body) }()

	select {
	case <-ctx.Done():
		return models.TransientFailure("smtp: " + ctx.Err().Error())
	case err := <-errc:
		if err == nil {
			return models.Delivered(messageID, map[string]string{"provider": "smtp"})
		}
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			s.logger.Warn("smtp server rejected message", map[string]interface{}{
				"entryId": msg.EntryID,
				"code":    tpErr.Code,
				"error":   tpErr.Msg,
			})
			return models.PermanentFailure(fmt.Sprintf("smtp %d: %s", tpErr.Code, tpErr.Msg))
		}
		return models.TransientFailure("smtp: " + err.Error())
	}
}

func buildMIME(from, to, messageID string, c models.EmailContent) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", c.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case c.HTML != "" && c.Text != "":
		mw := multipart.NewWriter(&b)
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
		for _, part := range []struct{ ctype, body string }{
			{"text/plain; charset=UTF-8", c.Text},
			{"text/html; charset=UTF-8", c.HTML},
		} {
			w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
			if err != nil {
				return nil, err
			}
			if _, err := w.Write([]byte(part.body)); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case c.HTML != "":
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(c.HTML)
	default:
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(c.Text)
	}
	return []byte(b.String()), nil
}
