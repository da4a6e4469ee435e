package newsletter

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkpost/inkpost/internal/pkg/logger"
)

// SMTPSession is the subset of an SMTP transaction the transport needs.
// The stdlib *smtp.Client satisfies it; tests substitute fakes.
type SMTPSession interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// SMTPDialer opens an SMTP session against a transport configuration.
type SMTPDialer interface {
	Dial(ctx context.Context, cfg *TransportConfig) (SMTPSession, error)
}

// TransportManager wraps the single active outbound-mail configuration.
// A manager that failed to initialize is safe to call: every send is a
// no-op that reports failure, so callers degrade to "newsletter sending
// disabled" instead of crashing.
type TransportManager struct {
	configs TransportConfigStore
	dialer  SMTPDialer
	log     *logger.Logger

	mu  sync.RWMutex
	cfg *TransportConfig // nil until Initialize succeeds
}

// NewTransportManager creates a transport manager. Pass nil dialer to use
// the real SMTP dialer with the given timeout.
func NewTransportManager(configs TransportConfigStore, dialer SMTPDialer, timeout time.Duration) *TransportManager {
	if dialer == nil {
		dialer = &netSMTPDialer{timeout: timeout}
	}
	return &TransportManager{
		configs: configs,
		dialer:  dialer,
		log:     logger.With("transport"),
	}
}

// Initialize loads the active transport configuration and verifies
// connectivity with a dial-and-quit probe. Returns false — not an error —
// when no configuration is active or the probe fails; subsequent sends
// report failure without dialing.
func (tm *TransportManager) Initialize(ctx context.Context) bool {
	cfg, err := tm.configs.GetActiveTransportConfig(ctx)
	if err != nil {
		tm.log.Error("load transport config", "error", err)
		return false
	}
	if cfg == nil {
		tm.log.Warn("no active transport config, sending disabled")
		return false
	}

	session, err := tm.dialer.Dial(ctx, cfg)
	if err != nil {
		tm.log.Error("transport connectivity check failed", "host", cfg.Host, "error", err)
		return false
	}
	_ = session.Quit()

	tm.mu.Lock()
	tm.cfg = cfg
	tm.mu.Unlock()

	tm.log.Info("transport initialized", "host", cfg.Host, "port", fmt.Sprint(cfg.Port))
	return true
}

// Reinitialize reloads the active configuration. Called after the admin
// saves a new transport config.
func (tm *TransportManager) Reinitialize(ctx context.Context) bool {
	tm.mu.Lock()
	tm.cfg = nil
	tm.mu.Unlock()
	return tm.Initialize(ctx)
}

// Initialized reports whether a working configuration is loaded.
func (tm *TransportManager) Initialized() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.cfg != nil
}

// SendEmail delivers one message. It never returns a Go error: the result
// is ok plus an error detail, so a batch loop records the failure on the
// recipient's delivery log and moves on.
func (tm *TransportManager) SendEmail(ctx context.Context, to, subject, html string) (bool, string) {
	return tm.SendEmailWithHeaders(ctx, to, subject, html, nil)
}

// SendEmailWithHeaders is SendEmail with extra message headers
// (List-Unsubscribe and friends).
func (tm *TransportManager) SendEmailWithHeaders(ctx context.Context, to, subject, html string, headers map[string]string) (ok bool, errDetail string) {
	tm.mu.RLock()
	cfg := tm.cfg
	tm.mu.RUnlock()

	if cfg == nil {
		return false, "transport not initialized"
	}

	to = NormalizeEmail(to)
	msg := buildMessage(cfg, to, subject, html, headers)

	session, err := tm.dialer.Dial(ctx, cfg)
	if err != nil {
		return false, fmt.Sprintf("connect: %v", err)
	}
	defer session.Close()

	if err := session.Mail(cfg.FromEmail); err != nil {
		return false, fmt.Sprintf("MAIL FROM: %v", err)
	}
	if err := session.Rcpt(to); err != nil {
		return false, fmt.Sprintf("RCPT TO: %v", err)
	}
	w, err := session.Data()
	if err != nil {
		return false, fmt.Sprintf("DATA: %v", err)
	}
	if _, err := w.Write(msg); err != nil {
		return false, fmt.Sprintf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Sprintf("DATA close: %v", err)
	}
	if err := session.Quit(); err != nil {
		// Message was accepted; a noisy QUIT is not a delivery failure.
		tm.log.Debug("smtp quit", "error", err)
	}

	tm.log.Info("sent", "to", to, "subject", subject)
	return true, ""
}

// FromAddress returns the configured sender, or empty strings when the
// transport is not initialized.
func (tm *TransportManager) FromAddress() (email, name string) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.cfg == nil {
		return "", ""
	}
	return tm.cfg.FromEmail, tm.cfg.FromName
}

// buildMessage assembles a multipart/alternative MIME message with a
// plain-text part derived from the HTML.
func buildMessage(cfg *TransportConfig, to, subject, html string, headers map[string]string) []byte {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), cfg.Host)
	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])

	var b strings.Builder
	if cfg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", cfg.FromName, cfg.FromEmail)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", cfg.FromEmail)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(htmlToText(html))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return []byte(b.String())
}

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlToText reduces rendered HTML to a rough plain-text alternative for
// the text/plain MIME part.
func htmlToText(html string) string {
	s := tagRe.ReplaceAllString(html, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// AddUnsubscribeHeaders sets the one-click List-Unsubscribe headers on a
// message header map.
func AddUnsubscribeHeaders(headers map[string]string, unsubscribeURL string) {
	headers["List-Unsubscribe"] = fmt.Sprintf("<%s>", unsubscribeURL)
	headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
}

// netSMTPDialer opens real SMTP connections. STARTTLS is used when the
// server offers it and the config asks for transport security; PLAIN auth
// is attempted when credentials are configured, without requiring TLS
// first (private relays frequently run without it, as the platform's
// docker-compose setup does).
type netSMTPDialer struct {
	timeout time.Duration
}

func (d *netSMTPDialer) Dial(ctx context.Context, cfg *TransportConfig) (SMTPSession, error) {
	timeout := d.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}

	if cfg.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: cfg.Host}
			if err := c.StartTLS(tlsCfg); err != nil {
				c.Close()
				return nil, fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		if err := c.Auth(&plainAuth{user: cfg.Username, pass: cfg.Password}); err != nil {
			c.Close()
			return nil, fmt.Errorf("SMTP auth: %w", err)
		}
	}

	return c, nil
}

// plainAuth implements smtp.Auth without the TLS requirement stdlib's
// PlainAuth enforces.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	resp := []byte("\x00" + a.user + "\x00" + a.pass)
	return "PLAIN", resp, nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
