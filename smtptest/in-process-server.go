package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Credentials accepted by an InProcessServer unless changed with
// SetCredentials.
const (
	Username = "myuser@example.com"
	Password = "mypassword"
)

// Mode controls how clients reach an InProcessServer.
type Mode int

const (
	// Plaintext serves SMTP in the clear and offers STARTTLS.
	Plaintext Mode = iota
	// ImplicitTLS expects a TLS handshake before the SMTP greeting, the
	// way relays on port 465 do.
	ImplicitTLS
)

// Message is one email received by the server, including its envelope and
// the timestamp at which it was stored, so tests can inspect messages sent
// before/after a point in time.
type Message struct {
	Created time.Time
	From    string
	To      []string
	Body    string
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
}

// Login implements smtp.Backend. Only the store's credentials are accepted so
// tests can exercise rejected credentials.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if !be.accepts(username, password) {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return &session{store: be.InMemoryEmailStore}, nil
}

// AnonymousLogin implements smtp.Backend. Not supported since we want to
// enforce AUTH.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// session implements smtp.Session, collecting the envelope of the current
// transaction.
type session struct {
	store *InMemoryEmailStore
	from  string
	to    []string
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt implements smtp.Session. Addresses registered with RejectRecipient
// get a permanent failure.
func (s *session) Rcpt(to string) error {
	if s.store.rejects(to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email data in memory for
// retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	// doubtful we'll get an email this big, but we need a limit
	var maxEmailSize int64 = 100 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	// Simulates a relay that takes too long to accept the message
	if d := s.store.dataDelay(); d > 0 {
		time.Sleep(d)
	}

	s.store.saveEmail(Message{
		From: s.from,
		To:   append([]string{}, s.to...),
		Body: string(buf),
	})
	return nil
}

// InMemoryEmailStore retains email messages in memory for comparison against
// a test's expected output. Designed to be goroutine safe since we don't
// know how many goroutines will be hitting the server at once.
type InMemoryEmailStore struct {
	mu       *sync.Mutex
	messages []Message
	rejected map[string]struct{}
	username string
	password string
	delay    time.Duration
}

// DelayData makes the server wait for d after receiving message data and
// before replying to it.
func (es *InMemoryEmailStore) DelayData(d time.Duration) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.delay = d
}

func (es *InMemoryEmailStore) dataDelay() time.Duration {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.delay
}

// SetCredentials replaces the username and password the server accepts.
func (es *InMemoryEmailStore) SetCredentials(username string, password string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.username = username
	es.password = password
}

func (es *InMemoryEmailStore) accepts(username string, password string) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	return username == es.username && password == es.password
}

// saveEmail stores the message along with a timestamp created just prior to
// saving
func (es *InMemoryEmailStore) saveEmail(m Message) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.Created = time.Now()
	es.messages = append(es.messages, m)
}

// RejectRecipient makes the server refuse RCPT for addr.
func (es *InMemoryEmailStore) RejectRecipient(addr string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.rejected[addr] = struct{}{}
}

func (es *InMemoryEmailStore) rejects(addr string) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	_, ok := es.rejected[addr]
	return ok
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t. Isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.Created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r, nil
}

// Messages returns every message received so far, envelopes included.
func (es *InMemoryEmailStore) Messages() []Message {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]Message, len(es.messages))
	copy(r, es.messages)
	return r
}

// InProcessServer is an SMTP relay that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer
type InProcessServer struct {
	*smtp.Server
	*InMemoryEmailStore
	mode      Mode
	tlsConfig *tls.Config
	roots     *x509.CertPool
	listener  net.Listener
}

// NewInProcessServer creates an InProcessServer, including configuring
// its SMTP server to store incoming messages in memory. Must provide
// the paths to the key and cert used for TLS.
func NewInProcessServer(keypath string, certpath string, mode Mode) *InProcessServer {
	is := &InMemoryEmailStore{
		mu:       &sync.Mutex{},
		messages: []Message{},
		rejected: make(map[string]struct{}),
		username: Username,
		password: Password,
	}

	be := &Backend{
		is,
	}
	srv := smtp.NewServer(be)

	// go-smtp only offers PLAIN out of the box. LOGIN goes through the
	// same credential check.
	srv.EnableAuth(sasl.Login, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username string, password string) error {
			state := conn.State()
			session, err := be.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	srv.Domain = "localhost"
	// Clients in these tests authenticate over plaintext sessions too
	srv.AllowInsecureAuth = true
	srv.AuthDisabled = false // need AUTH here
	// Strict enforces <address> syntax in MAIL and RCPT commands
	srv.Strict = true
	srv.MaxMessageBytes = 100 * units.MiB
	srv.ReadTimeout = time.Duration(10) * time.Second
	srv.WriteTimeout = time.Duration(10) * time.Second

	cert, err := tls.LoadX509KeyPair(certpath, keypath)

	// No way to carry on without a cert, so we panic. We're in a test
	// suite, so this should be fine.
	if err != nil {
		panic(err)
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	// The certificate is its own CA
	roots := x509.NewCertPool()
	if pem, err := os.ReadFile(certpath); err == nil {
		roots.AppendCertsFromPEM(pem)
	}

	// With implicit TLS the listener does the handshake, so the server
	// mustn't advertise STARTTLS on top of it.
	if mode == Plaintext {
		srv.TLSConfig = tc
	}

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		mode:               mode,
		tlsConfig:          tc,
		roots:              roots,
	}
}

// Start binds a random local port and serves in the background. Once Start
// returns, the server accepts connections at Address.
func (is *InProcessServer) Start() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	if is.mode == ImplicitTLS {
		l = tls.NewListener(l, is.tlsConfig)
	}
	is.listener = l

	go func() {
		// Serve returns an error once Close is called, which is expected
		_ = is.Server.Serve(l)
	}()
	return nil
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	if is.listener == nil {
		return
	}
	is.Server.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	if is.listener == nil {
		return ""
	}
	return is.listener.Addr().String()
}

// Host returns the host the server listens on.
func (is *InProcessServer) Host() string {
	h, _, err := net.SplitHostPort(is.Address())
	if err != nil {
		return ""
	}
	return h
}

// Port returns the port the server listens on.
func (is *InProcessServer) Port() int {
	_, p, err := net.SplitHostPort(is.Address())
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// RootCAs returns a pool that trusts the server's certificate, so clients
// can verify it instead of skipping verification.
func (is *InProcessServer) RootCAs() *x509.CertPool {
	return is.roots
}
