package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gomail "gopkg.in/gomail.v2"
)

// State is the lifecycle stage of a Transport's connection.
type State int

const (
	// Unauthenticated is the state of a freshly opened Transport.
	Unauthenticated State = iota
	// Authenticated means AUTH succeeded on this connection.
	Authenticated
	// Closed means the Transport has been released.
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport owns one connection to a relay. It is not safe for concurrent
// use: one send must finish before the next begins. Open one per unit of
// work and Release it when the work is done.
type Transport struct {
	opts   ConnectOptions
	client *smtp.Client
	state  State
	logger zerolog.Logger
}

// Open validates opts and connects to the relay, negotiating implicit TLS or
// STARTTLS as configured. It doesn't authenticate: that happens right before
// the first send. Connection failures are returned to the caller. The caller
// must call Release on the returned Transport.
func Open(ctx context.Context, opts ConnectOptions) (*Transport, error) {
	o, err := opts.CheckAndSetDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid connect options: %w", err)
	}

	logger := log.With().
		Str("relay", o.Address()).
		Str("username", o.Username).
		Logger()
	if o.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	d := net.Dialer{Timeout: o.Timeout}
	conn, err := d.DialContext(ctx, "tcp", o.Address())
	if err != nil {
		return nil, fmt.Errorf("can't connect to the relay at %v: %w", o.Address(), err)
	}

	// The connect timeout also covers the TLS handshake and the greeting.
	// go-smtp sets its own deadline for every command after that.
	if err := conn.SetDeadline(time.Now().Add(o.Timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("can't set the connection deadline: %w", err)
	}

	if o.ImplicitTLS {
		tc := tls.Client(conn, o.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %v failed: %w", o.Address(), err)
		}
		conn = tc
	}

	c, err := smtp.NewClient(conn, o.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("can't start an SMTP session with %v: %w", o.Address(), err)
	}

	// go-smtp tees the protocol above any TLS layer, including one
	// negotiated with STARTTLS.
	if o.Debug {
		c.DebugWriter = &wireLogger{logger: logger}
	}

	// The connect timeout bounds every command until the session is ready
	cmdTimeout, submissionTimeout := c.CommandTimeout, c.SubmissionTimeout
	c.CommandTimeout = o.Timeout

	if o.LocalName != "" {
		if err := c.Hello(o.LocalName); err != nil {
			c.Close()
			return nil, fmt.Errorf("the relay rejected our greeting: %w", err)
		}
	}

	if o.StartTLS {
		ok, _ := c.Extension("STARTTLS")
		if !ok {
			c.Close()
			return nil, fmt.Errorf("the relay at %v doesn't support STARTTLS", o.Address())
		}
		if err := c.StartTLS(o.tlsConfig()); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS with %v failed: %w", o.Address(), err)
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("can't clear the connection deadline: %w", err)
	}

	c.CommandTimeout, c.SubmissionTimeout = cmdTimeout, submissionTimeout
	if o.SendTimeout > 0 {
		c.CommandTimeout = o.SendTimeout
		c.SubmissionTimeout = o.SendTimeout
	}

	logger.Info().
		Bool("implicitTLS", o.ImplicitTLS).
		Bool("startTLS", o.StartTLS).
		Msg("connected to the relay")

	return &Transport{
		opts:   o,
		client: c,
		state:  Unauthenticated,
		logger: logger,
	}, nil
}

// State returns the current lifecycle stage of t.
func (t *Transport) State() State {
	return t.state
}

// Options returns the validated options t was opened with.
func (t *Transport) Options() ConnectOptions {
	return t.opts
}

// Send sets the addressing headers of m, authenticates if this is the first
// send on the connection, and transmits m to every "to" and "cc" address.
// The envelope sender is the mailbox of the first address in me, or the
// configured username if me is empty.
//
// Send never returns an error directly. Any failure is reported in the
// Result, and t can still be released afterwards.
func (t *Transport) Send(m *Message, me []string, to []string, cc []string) Result {
	if t.state == Closed {
		return t.fail(KindTransmission, ErrTransportClosed)
	}
	if m == nil {
		return t.fail(KindEncoding, errors.New("no message to send"))
	}

	me = normalizeList(me)
	to = normalizeList(to)
	cc = normalizeList(cc)

	msg, from, rcpts, err := t.prepare(m, me, to, cc)
	if err != nil {
		return t.fail(KindEncoding, err)
	}

	if t.state == Unauthenticated {
		if err := t.authenticate(); err != nil {
			return t.fail(KindAuth, err)
		}
	}

	n, err := t.transmit(from, rcpts, msg)
	if err != nil {
		// Leave the session ready for another MAIL command. If the
		// connection is gone this fails too, which Release tolerates.
		if rerr := t.client.Reset(); rerr != nil {
			t.logger.Debug().Err(rerr).Msg("can't reset the SMTP session")
		}
		return t.fail(KindTransmission, err)
	}

	t.logger.Info().
		Str("from", from).
		Int("recipients", len(rcpts)).
		Int64("bytes", n).
		Msg("sent a message")
	return succeeded()
}

// prepare encodes the addressing headers and builds m. It returns the
// message, the envelope sender and the envelope recipients.
func (t *Transport) prepare(m *Message, me []string, to []string, cc []string) (*gomail.Message, string, []string, error) {
	var a addressing
	var from string
	var err error

	if len(me) == 0 {
		from = t.opts.Username
		// The username isn't necessarily an address, in which case the
		// message goes out without a From header.
		if f, ferr := FormatAddress(t.opts.Username); ferr == nil {
			a.From = f
		}
	} else {
		from, err = Mailbox(me[0])
		if err != nil {
			return nil, "", nil, fmt.Errorf("invalid sender: %w", err)
		}
		a.From, err = FormatAddressList(me)
		if err != nil {
			return nil, "", nil, fmt.Errorf("invalid sender: %w", err)
		}
	}

	a.To, err = FormatAddressList(to)
	if err != nil {
		return nil, "", nil, fmt.Errorf("invalid \"to\" address: %w", err)
	}
	a.Cc, err = FormatAddressList(cc)
	if err != nil {
		return nil, "", nil, fmt.Errorf("invalid \"cc\" address: %w", err)
	}

	rcpts, err := mailboxes(append(append([]string{}, to...), cc...))
	if err != nil {
		return nil, "", nil, err
	}
	if len(rcpts) == 0 {
		return nil, "", nil, ErrNoRecipients
	}

	if at := strings.LastIndex(from, "@"); at >= 0 {
		a.Domain = from[at+1:]
	} else {
		a.Domain = t.opts.Host
	}

	msg, err := m.build(a)
	if err != nil {
		return nil, "", nil, fmt.Errorf("can't compose the message: %w", err)
	}

	if t.opts.MaxMessageSize > 0 {
		// Only the multipart boundaries change between writes, and they
		// have a fixed length.
		n, err := msg.WriteTo(io.Discard)
		if err != nil {
			return nil, "", nil, fmt.Errorf("can't compose the message: %w", err)
		}
		if n > t.opts.MaxMessageSize {
			return nil, "", nil, fmt.Errorf("%w: %v bytes, limit %v", ErrMessageTooLarge, n, t.opts.MaxMessageSize)
		}
	}

	return msg, from, rcpts, nil
}

// authenticate logs in with the configured credentials. t is marked as
// authenticated only if the relay accepts them.
func (t *Transport) authenticate() error {
	var a sasl.Client
	switch t.opts.AuthMechanism {
	case AuthLogin:
		a = sasl.NewLoginClient(t.opts.Username, t.opts.Password)
	default:
		a = sasl.NewPlainClient("", t.opts.Username, t.opts.Password)
	}

	if err := t.client.Auth(a); err != nil {
		return fmt.Errorf("the relay rejected the credentials for %v: %w", t.opts.Username, err)
	}

	t.state = Authenticated
	t.logger.Debug().
		Str("mechanism", t.opts.AuthMechanism).
		Msg("authenticated with the relay")
	return nil
}

// transmit runs the MAIL, RCPT and DATA commands, streaming msg to the
// relay. It returns the number of message bytes written.
func (t *Transport) transmit(from string, rcpts []string, msg *gomail.Message) (int64, error) {
	if err := t.client.Mail(from, nil); err != nil {
		return 0, fmt.Errorf("the relay rejected the sender %v: %w", from, err)
	}
	for _, r := range rcpts {
		if err := t.client.Rcpt(r); err != nil {
			return 0, fmt.Errorf("the relay rejected the recipient %v: %w", r, err)
		}
	}

	w, err := t.client.Data()
	if err != nil {
		return 0, fmt.Errorf("the relay refused the message data: %w", err)
	}
	n, err := msg.WriteTo(w)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("can't write the message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("the relay didn't accept the message: %w", err)
	}
	return n, nil
}

func (t *Transport) fail(kind ErrorKind, err error) Result {
	r := Failure(kind, err)
	ev := t.logger.Error().
		Err(err).
		Str("kind", kind.String())
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		ev = ev.Int("code", se.Code)
	}
	ev.Msg("can't send a message")
	return r
}

// SendText sends a UTF-8 plain text message.
func (t *Transport) SendText(subject string, body string, me []string, to []string, cc []string) Result {
	return t.Send(NewTextMessage(subject, body), me, to, cc)
}

// SendHTML sends an HTML message with optional attachments and inline
// images.
func (t *Transport) SendHTML(subject string, html string, files []Attachment, images []InlineImage, me []string, to []string, cc []string) Result {
	return t.Send(NewHTMLMessage(subject, html, files, images), me, to, cc)
}

// Release ends the SMTP session and closes the connection. Calling it again
// is a no-op. A session that can't be ended cleanly (e.g., because the
// connection already dropped) is still closed without reporting an error.
func (t *Transport) Release() error {
	if t.state == Closed {
		return nil
	}
	t.state = Closed

	if err := t.client.Quit(); err != nil {
		t.logger.Debug().Err(err).Msg("the relay didn't acknowledge QUIT")
		if cerr := t.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			return fmt.Errorf("can't close the connection to %v: %w", t.opts.Address(), cerr)
		}
	}

	t.logger.Info().Msg("released the relay connection")
	return nil
}

// SendOnce opens a Transport, sends m and releases the Transport. Unlike
// Open, connection failures are reported in the Result with KindConnect.
func SendOnce(ctx context.Context, opts ConnectOptions, m *Message, me []string, to []string, cc []string) Result {
	t, err := Open(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("can't open a transport")
		return Failure(KindConnect, err)
	}
	defer func() {
		if err := t.Release(); err != nil {
			t.logger.Error().Err(err).Msg("can't release the transport")
		}
	}()
	return t.Send(m, me, to, cc)
}
