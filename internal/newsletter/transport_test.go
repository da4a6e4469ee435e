package newsletter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records one SMTP transaction in memory.
type fakeSession struct {
	from     string
	rcpt     string
	body     bytes.Buffer
	rcptErr  error
	quitDone bool
}

func (f *fakeSession) Mail(from string) error { f.from = from; return nil }

func (f *fakeSession) Rcpt(to string) error {
	if f.rcptErr != nil {
		return f.rcptErr
	}
	f.rcpt = to
	return nil
}

func (f *fakeSession) Data() (io.WriteCloser, error) { return nopWriteCloser{&f.body}, nil }
func (f *fakeSession) Quit() error                   { f.quitDone = true; return nil }
func (f *fakeSession) Close() error                  { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fakeDialer hands out sessions, or fails outright.
type fakeDialer struct {
	session *fakeSession
	dialErr error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, cfg *TransportConfig) (SMTPSession, error) {
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if d.session == nil {
		d.session = &fakeSession{}
	}
	return d.session, nil
}

// fakeConfigStore serves a canned transport config.
type fakeConfigStore struct {
	cfg *TransportConfig
	err error
}

func (s *fakeConfigStore) GetActiveTransportConfig(ctx context.Context) (*TransportConfig, error) {
	return s.cfg, s.err
}

func activeConfig() *TransportConfig {
	return &TransportConfig{
		Host: "smtp.example.com", Port: 587,
		FromEmail: "news@example.com", FromName: "Example Blog",
		IsActive: true,
	}
}

func TestInitializeNoActiveConfig(t *testing.T) {
	tm := NewTransportManager(&fakeConfigStore{}, &fakeDialer{}, time.Second)

	assert.False(t, tm.Initialize(context.Background()))
	assert.False(t, tm.Initialized())

	// Sends degrade to failing no-ops, never panics or errors.
	ok, detail := tm.SendEmail(context.Background(), "a@example.com", "s", "<p>x</p>")
	assert.False(t, ok)
	assert.Equal(t, "transport not initialized", detail)
}

func TestInitializeConnectivityCheckFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	tm := NewTransportManager(&fakeConfigStore{cfg: activeConfig()}, dialer, time.Second)

	assert.False(t, tm.Initialize(context.Background()))
	assert.False(t, tm.Initialized())
	assert.Equal(t, 1, dialer.dials)
}

func TestSendEmailSuccess(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	tm := NewTransportManager(&fakeConfigStore{cfg: activeConfig()}, dialer, time.Second)
	require.True(t, tm.Initialize(context.Background()))

	ok, detail := tm.SendEmail(context.Background(), "Reader@Example.COM", "Hello", "<p>body</p>")
	require.True(t, ok, "detail: %s", detail)
	assert.Empty(t, detail)

	sess := dialer.session
	assert.Equal(t, "news@example.com", sess.from)
	assert.Equal(t, "reader@example.com", sess.rcpt, "recipient must be normalized")

	msg := sess.body.String()
	assert.Contains(t, msg, "From: Example Blog <news@example.com>")
	assert.Contains(t, msg, "Subject: Hello")
	assert.Contains(t, msg, "Content-Type: multipart/alternative")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.Contains(t, msg, "<p>body</p>")
	assert.Contains(t, msg, "Content-Type: text/plain")
}

func TestSendEmailTransportFailureIsCaptured(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{rcptErr: errors.New("550 mailbox unavailable")}}
	tm := NewTransportManager(&fakeConfigStore{cfg: activeConfig()}, dialer, time.Second)
	require.True(t, tm.Initialize(context.Background()))

	ok, detail := tm.SendEmail(context.Background(), "gone@example.com", "s", "<p>x</p>")
	assert.False(t, ok)
	assert.Contains(t, detail, "550 mailbox unavailable")
}

func TestSendEmailWithUnsubscribeHeaders(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	tm := NewTransportManager(&fakeConfigStore{cfg: activeConfig()}, dialer, time.Second)
	require.True(t, tm.Initialize(context.Background()))

	headers := map[string]string{}
	AddUnsubscribeHeaders(headers, "https://blog.example.com/unsubscribe/abc")

	ok, _ := tm.SendEmailWithHeaders(context.Background(), "a@example.com", "s", "<p>x</p>", headers)
	require.True(t, ok)

	msg := dialer.session.body.String()
	assert.Contains(t, msg, "List-Unsubscribe: <https://blog.example.com/unsubscribe/abc>")
	assert.Contains(t, msg, "List-Unsubscribe-Post: List-Unsubscribe=One-Click")
}

func TestReinitializeAfterConfigChange(t *testing.T) {
	store := &fakeConfigStore{cfg: activeConfig()}
	dialer := &fakeDialer{session: &fakeSession{}}
	tm := NewTransportManager(store, dialer, time.Second)
	require.True(t, tm.Initialize(context.Background()))

	// Admin deactivates the config: reinitialize disables sending.
	store.cfg = nil
	assert.False(t, tm.Reinitialize(context.Background()))
	ok, _ := tm.SendEmail(context.Background(), "a@example.com", "s", "x")
	assert.False(t, ok)
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText("<html><body><h1>Title</h1><p>Hello <b>world</b></p></body></html>")
	assert.NotContains(t, got, "<")
	assert.Contains(t, got, "Title")
	assert.Contains(t, got, "Hello")
	assert.Contains(t, got, "world")
}
