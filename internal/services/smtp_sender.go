package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const (
	implicitTLSPort = 465

	defaultSMTPDialTimeout = 10 * time.Second
	defaultSMTPSendTimeout = 30 * time.Second
)

// MailSender delivers rendered messages over an authenticated transport
type MailSender interface {
	// Verify performs the handshake and authentication without sending anything
	Verify(ctx context.Context, cfg models.SMTPConfig) error
	// Send delivers one message on its own connection
	Send(ctx context.Context, cfg models.SMTPConfig, msg *models.OutgoingMessage) error
}

// SMTPSender is a MailSender backed by go-smtp
type SMTPSender struct {
	dialTimeout time.Duration
	sendTimeout time.Duration
	// tlsConfig overrides the client TLS settings, used by tests
	tlsConfig *tls.Config
}

// NewSMTPSender creates a sender with the given dial and command timeouts
func NewSMTPSender(dialTimeout, sendTimeout time.Duration) *SMTPSender {
	if dialTimeout <= 0 {
		dialTimeout = defaultSMTPDialTimeout
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSMTPSendTimeout
	}
	return &SMTPSender{dialTimeout: dialTimeout, sendTimeout: sendTimeout}
}

// Verify runs EHLO, STARTTLS when offered and AUTH
func (s *SMTPSender) Verify(ctx context.Context, cfg models.SMTPConfig) error {
	c, err := s.connect(ctx, cfg)
	if err != nil {
		return models.NewPipelineError(models.ErrorKindTransportAuthFailure, describeSMTPError(err), err)
	}
	defer c.Close()

	if err := c.Quit(); err != nil {
		return models.NewPipelineError(models.ErrorKindTransportAuthFailure, describeSMTPError(err), err)
	}
	return nil
}

// Send composes msg and delivers it in a fresh session
func (s *SMTPSender) Send(ctx context.Context, cfg models.SMTPConfig, msg *models.OutgoingMessage) error {
	raw, err := composeMessage(cfg, msg)
	if err != nil {
		return models.NewPipelineError(models.ErrorKindDeliveryFailure, "failed to compose message", err)
	}

	c, err := s.connect(ctx, cfg)
	if err != nil {
		return models.NewPipelineError(models.ErrorKindDeliveryFailure, describeSMTPError(err), err)
	}
	defer c.Close()

	if err := c.SendMail(cfg.From, []string{msg.To}, bytes.NewReader(raw)); err != nil {
		return models.NewPipelineError(models.ErrorKindDeliveryFailure,
			fmt.Sprintf("delivery to %s failed: %s", msg.To, describeSMTPError(err)), err)
	}
	// The message is accepted once DATA completes; a failed QUIT does not undo it
	_ = c.Quit()
	return nil
}

// connect dials, greets, upgrades to TLS and authenticates
func (s *SMTPSender) connect(ctx context.Context, cfg models.SMTPConfig) (*smtp.Client, error) {
	tlsConfig := s.clientTLSConfig(cfg.Host)

	var (
		c   *smtp.Client
		err error
	)
	if cfg.Port == implicitTLSPort {
		c, err = s.dialImplicitTLS(ctx, cfg, tlsConfig)
	} else {
		c, err = s.dialPlain(ctx, cfg, tlsConfig)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Auth(authClient(c, cfg)); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (s *SMTPSender) dialImplicitTLS(ctx context.Context, cfg models.SMTPConfig, tlsConfig *tls.Config) (*smtp.Client, error) {
	tlsDialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: s.dialTimeout}, Config: tlsConfig}
	conn, err := tlsDialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}

	c := s.newClient(conn)
	if err := c.Hello("localhost"); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// dialPlain greets in clear text and, when the server offers STARTTLS,
// reconnects with the upgrade since the session cannot be upgraded after EHLO
func (s *SMTPSender) dialPlain(ctx context.Context, cfg models.SMTPConfig, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	c := s.newClient(conn)
	if err := c.Hello("localhost"); err != nil {
		c.Close()
		return nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, nil
	}
	_ = c.Quit()
	c.Close()

	conn, err = dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	if s.sendTimeout > 0 {
		// bounds the greeting and STARTTLS exchange, which run before the client timeouts apply
		_ = conn.SetDeadline(time.Now().Add(s.sendTimeout))
	}
	c, err = smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	c.CommandTimeout = s.sendTimeout
	c.SubmissionTimeout = s.sendTimeout
	return c, nil
}

func (s *SMTPSender) newClient(conn net.Conn) *smtp.Client {
	c := smtp.NewClient(conn)
	c.CommandTimeout = s.sendTimeout
	c.SubmissionTimeout = s.sendTimeout
	return c
}

func (s *SMTPSender) clientTLSConfig(host string) *tls.Config {
	if s.tlsConfig != nil {
		return s.tlsConfig.Clone()
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// authClient prefers PLAIN and falls back to LOGIN for servers that only offer it
func authClient(c *smtp.Client, cfg models.SMTPConfig) sasl.Client {
	if !c.SupportsAuth(sasl.Plain) && c.SupportsAuth(sasl.Login) {
		return sasl.NewLoginClient(cfg.User, cfg.Pass)
	}
	return sasl.NewPlainClient("", cfg.User, cfg.Pass)
}

// composeMessage renders a multipart/alternative message, or a single HTML part when there is no text
func composeMessage(cfg models.SMTPConfig, msg *models.OutgoingMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: cfg.SenderName, Address: cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.ToName, Address: msg.To}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if strings.TrimSpace(msg.Text) == "" {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, msg.HTML); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writeInlinePart(w, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if err := writeInlinePart(w, "text/html", msg.HTML); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInlinePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(part, body); err != nil {
		return err
	}
	return part.Close()
}

// describeSMTPError turns transport errors into messages a sender can act on
func describeSMTPError(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code == 535 || smtpErr.Code == 534:
			return fmt.Sprintf("authentication failed (%d): check the user and password or use an app password", smtpErr.Code)
		case smtpErr.Code >= 500:
			return fmt.Sprintf("server rejected the request (%d): %s", smtpErr.Code, smtpErr.Message)
		default:
			return fmt.Sprintf("server returned %d: %s", smtpErr.Code, smtpErr.Message)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out"
	}
	return err.Error()
}
