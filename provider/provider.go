package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/userconfig"
	"github.com/rs/zerolog/log"
)

// Proxy opens Transports for configured aliases. Options given to the Proxy
// apply to every alias, and options given per call take precedence over
// both those and the configuration file.
type Proxy struct {
	config    *userconfig.Meta
	options   map[string]string
	tlsConfig *tls.Config
}

// NewProxy returns a Proxy over config. options may be nil.
func NewProxy(config *userconfig.Meta, options map[string]string) *Proxy {
	o := make(map[string]string, len(options))
	for k, v := range options {
		o[k] = v
	}
	return &Proxy{
		config:  config,
		options: o,
	}
}

// SetTLSConfig makes every Transport opened by p use c for implicit TLS and
// STARTTLS, e.g., to trust a private CA. The server name still defaults to
// the configured host.
func (p *Proxy) SetTLSConfig(c *tls.Config) {
	p.tlsConfig = c
}

// ConnectOptions resolves alias into validated connect options.
func (p *Proxy) ConnectOptions(alias string, options map[string]string) (email.ConnectOptions, error) {
	if p.config == nil {
		return email.ConnectOptions{}, errors.New("the proxy has no relay configuration")
	}
	merged := make(map[string]string, len(p.options)+len(options))
	for k, v := range p.options {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}
	o, err := p.config.Lookup(alias, merged)
	if err != nil {
		return email.ConnectOptions{}, err
	}
	o.TLSConfig = p.tlsConfig
	return o, nil
}

// Open connects to the relay configured for alias. The caller must release
// the returned Transport, e.g., with a deferred call to Release.
func (p *Proxy) Open(ctx context.Context, alias string, options map[string]string) (*email.Transport, error) {
	o, err := p.ConnectOptions(alias, options)
	if err != nil {
		return nil, err
	}
	t, err := email.Open(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("can't open a transport for %q: %w", alias, err)
	}
	return t, nil
}

// WithTransport opens a Transport for alias, passes it to fn and releases it
// once fn returns, whatever the outcome.
func (p *Proxy) WithTransport(ctx context.Context, alias string, fn func(*email.Transport) error) (err error) {
	t, err := p.Open(ctx, alias, nil)
	if err != nil {
		return err
	}
	defer func() {
		rerr := t.Release()
		if err == nil && rerr != nil {
			err = fmt.Errorf("can't release the transport for %q: %w", alias, rerr)
		}
	}()
	return fn(t)
}

// Send opens a Transport for alias, sends m and releases the Transport.
// Every failure, including a failure to connect, is reported in the Result.
func (p *Proxy) Send(ctx context.Context, alias string, m *email.Message, me []string, to []string, cc []string) email.Result {
	o, err := p.ConnectOptions(alias, nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("alias", alias).
			Msg("can't resolve the relay configuration")
		return email.Failure(email.KindConnect, err)
	}
	return email.SendOnce(ctx, o, m, me, to, cc)
}

// SendText is Send for a plain text message.
func (p *Proxy) SendText(ctx context.Context, alias string, subject string, body string, me []string, to []string, cc []string) email.Result {
	return p.Send(ctx, alias, email.NewTextMessage(subject, body), me, to, cc)
}

// SendHTML is Send for an HTML message with attachments and inline images.
func (p *Proxy) SendHTML(ctx context.Context, alias string, subject string, html string, files []email.Attachment, images []email.InlineImage, me []string, to []string, cc []string) email.Result {
	return p.Send(ctx, alias, email.NewHTMLMessage(subject, html, files, images), me, to, cc)
}
