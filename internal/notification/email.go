package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig holds SMTP connection parameters. Password is already resolved.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool // Implicit TLS (port 465). Otherwise STARTTLS is used when the server offers it.
}

// EmailSender sends plain text mail through one SMTP relay.
type EmailSender struct {
	config SMTPConfig
	dialer net.Dialer
	now    func() time.Time
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{config: cfg, dialer: net.Dialer{Timeout: 10 * time.Second}, now: time.Now}
}

func (s *EmailSender) Type() string { return "email" }

// Send opens one SMTP session per message. The context bounds the dial and
// the whole session.
func (s *EmailSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	if len(ch.To) == 0 {
		return fmt.Errorf("email channel %q has no recipients", ch.Name)
	}
	subject := msg.Subject
	if subject == "" {
		subject = "[tripgate] Notification"
	}
	body := buildEmailBody(s.config.From, ch.To, subject, msg.Body, s.headers(msg))

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()
	return s.deliver(client, ch.To, body)
}

func (s *EmailSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.config.TLS {
		d := tls.Dialer{NetDialer: &s.dialer, Config: s.tlsConfig()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", addr, err)
		}
		return conn, nil
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (s *EmailSender) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}
}

func (s *EmailSender) deliver(client *smtp.Client, to []string, body []byte) error {
	if !s.config.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}
	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

// headers carries the trip and approval ids so mail filters can route on them.
func (s *EmailSender) headers(msg *Message) []string {
	domainPart := s.config.Host
	if at := strings.LastIndex(s.config.From, "@"); at >= 0 {
		domainPart = s.config.From[at+1:]
	}
	h := []string{
		"Date: " + s.now().UTC().Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <%s@%s>", uuid.NewString(), domainPart),
	}
	if id := msg.Metadata["trip_id"]; id != "" {
		h = append(h, "X-Tripgate-Trip: "+id)
	}
	if id := msg.Metadata["approval_id"]; id != "" {
		h = append(h, "X-Tripgate-Approval: "+id)
	}
	return h
}

func buildEmailBody(from string, to []string, subject, text string, extra []string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	// Trip goals are user text and may not be ASCII.
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
	return []byte(b.String())
}
