package services

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	from string
	to   []string
	data []byte
	tls  bool
}

// testMailServer is an in-process SMTP server accepting one user
type testMailServer struct {
	user, pass string

	mu       sync.Mutex
	received []receivedMessage
	tlsAuths int
}

func (b *testMailServer) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testMailSession{backend: b, conn: c}, nil
}

func (b *testMailServer) secureAuths() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tlsAuths
}

func (b *testMailServer) messages() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.received...)
}

type testMailSession struct {
	backend       *testMailServer
	conn          *smtp.Conn
	authenticated bool
	from          string
	to            []string
}

func (s *testMailSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testMailSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.user || password != s.backend.pass {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Invalid credentials"}
		}
		s.authenticated = true
		if s.secure() {
			s.backend.mu.Lock()
			s.backend.tlsAuths++
			s.backend.mu.Unlock()
		}
		return nil
	}), nil
}

func (s *testMailSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *testMailSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if strings.HasPrefix(to, "bounce") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testMailSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.received = append(s.backend.received, receivedMessage{from: s.from, to: s.to, data: data, tls: s.secure()})
	return nil
}

func (s *testMailSession) secure() bool {
	_, ok := s.conn.TLSConnectionState()
	return ok
}

func (s *testMailSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testMailSession) Logout() error {
	return nil
}

func startTestMailServer(t *testing.T) (*testMailServer, models.SMTPConfig) {
	return startMailServer(t, nil)
}

// startTLSMailServer offers STARTTLS with a throwaway self-signed certificate
func startTLSMailServer(t *testing.T) (*testMailServer, models.SMTPConfig) {
	return startMailServer(t, &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}})
}

func startMailServer(t *testing.T, tlsConfig *tls.Config) (*testMailServer, models.SMTPConfig) {
	backend := &testMailServer{user: "sender@example.com", pass: "app-password"}

	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	server.AllowInsecureAuth = tlsConfig == nil
	server.TLSConfig = tlsConfig
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("smtp server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })

	addr := l.Addr().(*net.TCPAddr)
	cfg := models.SMTPConfig{
		Host:       "127.0.0.1",
		Port:       addr.Port,
		User:       backend.user,
		Pass:       backend.pass,
		SenderName: "Repo Maintainer",
	}
	cfg.Normalize()
	return backend, cfg
}

func selfSignedCert(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestSMTPSenderVerify(t *testing.T) {
	_, cfg := startTestMailServer(t)
	sender := NewSMTPSender(2*time.Second, 5*time.Second)

	t.Run("valid credentials", func(t *testing.T) {
		assert.NoError(t, sender.Verify(context.Background(), cfg))
	})

	t.Run("wrong password", func(t *testing.T) {
		bad := cfg
		bad.Pass = "nope"
		err := sender.Verify(context.Background(), bad)
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.ErrorKindTransportAuthFailure))
		assert.Contains(t, err.Error(), "authentication failed")
	})

	t.Run("nothing listening", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		closed := cfg
		closed.Port = l.Addr().(*net.TCPAddr).Port
		l.Close()

		err = sender.Verify(context.Background(), closed)
		assert.True(t, models.IsKind(err, models.ErrorKindTransportAuthFailure))
	})
}

func TestSMTPSenderSend(t *testing.T) {
	backend, cfg := startTestMailServer(t)
	sender := NewSMTPSender(2*time.Second, 5*time.Second)

	t.Run("multipart alternative", func(t *testing.T) {
		msg := &models.OutgoingMessage{
			To:      "ada@example.com",
			ToName:  "Ada",
			Subject: "Thanks for contributing",
			HTML:    "<p>Hello Ada</p>",
			Text:    "Hello Ada",
		}
		require.NoError(t, sender.Send(context.Background(), cfg, msg))

		received := backend.messages()
		require.Len(t, received, 1)
		assert.Equal(t, "sender@example.com", received[0].from)
		assert.Equal(t, []string{"ada@example.com"}, received[0].to)

		reader, err := mail.CreateReader(bytes.NewReader(received[0].data))
		require.NoError(t, err)
		subject, err := reader.Header.Subject()
		require.NoError(t, err)
		assert.Equal(t, "Thanks for contributing", subject)

		from, err := reader.Header.AddressList("From")
		require.NoError(t, err)
		require.Len(t, from, 1)
		assert.Equal(t, "Repo Maintainer", from[0].Name)

		var types []string
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if h, ok := part.Header.(*mail.InlineHeader); ok {
				ct, _, _ := h.ContentType()
				types = append(types, ct)
			}
		}
		assert.Equal(t, []string{"text/plain", "text/html"}, types)
	})

	t.Run("html only", func(t *testing.T) {
		msg := &models.OutgoingMessage{To: "bob@example.com", Subject: "Hi", HTML: "<p>Hi</p>"}
		require.NoError(t, sender.Send(context.Background(), cfg, msg))

		received := backend.messages()
		raw := string(received[len(received)-1].data)
		assert.Contains(t, raw, "text/html")
		assert.NotContains(t, raw, "multipart/alternative")
	})

	t.Run("rejected recipient", func(t *testing.T) {
		msg := &models.OutgoingMessage{To: "bounce@example.com", Subject: "Hi", HTML: "<p>Hi</p>"}
		err := sender.Send(context.Background(), cfg, msg)
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.ErrorKindDeliveryFailure))
		assert.Contains(t, err.Error(), "550")
	})
}

func TestSMTPSenderStartTLS(t *testing.T) {
	backend, cfg := startTLSMailServer(t)
	sender := NewSMTPSender(2*time.Second, 5*time.Second)
	sender.tlsConfig = &tls.Config{InsecureSkipVerify: true}

	require.NoError(t, sender.Verify(context.Background(), cfg))
	assert.Equal(t, 1, backend.secureAuths(), "credentials must only travel after the upgrade")

	msg := &models.OutgoingMessage{To: "ada@example.com", Subject: "Hi", HTML: "<p>Hi</p>", Text: "Hi"}
	require.NoError(t, sender.Send(context.Background(), cfg, msg))

	received := backend.messages()
	require.Len(t, received, 1)
	assert.True(t, received[0].tls)
	assert.Equal(t, 2, backend.secureAuths())

	t.Run("untrusted certificate", func(t *testing.T) {
		strict := NewSMTPSender(2*time.Second, 5*time.Second)
		err := strict.Verify(context.Background(), cfg)
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.ErrorKindTransportAuthFailure))
	})
}

func TestPortProbe(t *testing.T) {
	probe := NewPortProbe(time.Second)
	probe.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "lo", Flags: net.FlagUp}, {Name: "utun3", Flags: net.FlagUp}}, nil
	}

	t.Run("reachable", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()

		result := probe.Probe(context.Background(), "127.0.0.1", l.Addr().(*net.TCPAddr).Port)
		assert.True(t, result.Success)
		assert.Equal(t, NetworkVPN, result.DetectedNetwork)
	})

	t.Run("refused", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		result := probe.Probe(context.Background(), "127.0.0.1", port)
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "refused")
	})

	t.Run("direct network", func(t *testing.T) {
		direct := NewPortProbe(time.Second)
		direct.interfaces = func() ([]net.Interface, error) {
			return []net.Interface{{Name: "eth0", Flags: net.FlagUp}, {Name: "wg0"}}, nil
		}
		assert.Equal(t, NetworkDirect, direct.detectNetwork())
	})
}

func TestDescribeDialError(t *testing.T) {
	p := NewPortProbe(time.Second)

	t.Run("unreachable host", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.EHOSTUNREACH}}
		message, suggestion := p.describeDialError(err, "smtp.example.com", 587)
		assert.Contains(t, message, "smtp.example.com:587")
		assert.Contains(t, suggestion, "firewall")
		assert.Contains(t, suggestion, "465")
		assert.NotContains(t, suggestion, "587")
	})

	t.Run("connection reset", func(t *testing.T) {
		err := &net.OpError{Op: "read", Net: "tcp", Err: &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET}}
		_, suggestion := p.describeDialError(err, "smtp.example.com", 465)
		assert.Contains(t, suggestion, "VPN")
	})

	t.Run("unclassified error still suggests something", func(t *testing.T) {
		message, suggestion := p.describeDialError(errors.New("boom"), "smtp.example.com", 25)
		assert.Contains(t, message, "boom")
		assert.NotEmpty(t, suggestion)
		assert.Contains(t, suggestion, "587")
	})
}
