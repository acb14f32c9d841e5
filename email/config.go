package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// DefaultTimeout bounds connection establishment when no timeout is
// configured.
const DefaultTimeout = time.Duration(5) * time.Second

// Relay ports used when none is configured.
const (
	DefaultPort            = 25
	DefaultImplicitTLSPort = 465
)

// Supported values for the "auth" connect option.
const (
	AuthPlain = "plain"
	AuthLogin = "login"
)

// ConnectOptions represents the settings for one relay account. Not meant to
// be used for opening a Transport without validation via CheckAndSetDefaults.
type ConnectOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// Wrap the connection in TLS before the SMTP greeting (usually port 465)
	ImplicitTLS bool
	// Upgrade a plaintext session if the relay advertises STARTTLS
	StartTLS bool
	// Log every protocol line read from or written to the relay
	Debug bool
	// Bounds connection establishment only
	Timeout time.Duration
	// Bounds each relay reply during a send, including the reply to the
	// end of DATA. Zero keeps go-smtp's defaults (minutes).
	SendTimeout time.Duration
	// Name sent with EHLO/HELO. go-smtp uses "localhost" when empty.
	LocalName string
	// Either AuthPlain or AuthLogin
	AuthMechanism string
	// Skip relay certificate verification, e.g., for self-signed test relays
	InsecureSkipVerify bool
	// Messages larger than this many bytes are refused before DATA. Zero
	// means no limit.
	MaxMessageSize int64
	// TLSConfig overrides the TLS settings derived from the options above,
	// e.g., to trust a private CA. Can't be set from YAML.
	TLSConfig *tls.Config
}

// ParseConnectOptions reads connect options from a flat string map, which is
// how they appear under "connect_options" in the YAML config. Unknown keys
// are ignored. Call CheckAndSetDefaults on the result before using it.
func ParseConnectOptions(v map[string]string) (ConnectOptions, error) {
	var c ConnectOptions
	var err error

	c.Host = strings.TrimSpace(v["host"])
	c.Username = v["username"]
	c.Password = v["password"]
	c.LocalName = v["local_name"]
	if c.LocalName == "" {
		// smtplib-style spelling
		c.LocalName = v["local_hostname"]
	}
	c.AuthMechanism = strings.ToLower(strings.TrimSpace(v["auth"]))

	if p, ok := v["port"]; ok && p != "" {
		c.Port, err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse the relay port as an integer: %v", err)
		}
	}

	// wrap_ssl and warp_ssl are older spellings of implicit_tls
	for _, k := range []string{"wrap_ssl", "warp_ssl", "implicit_tls"} {
		s, ok := v[k]
		if !ok || s == "" {
			continue
		}
		c.ImplicitTLS, err = strconv.ParseBool(s)
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse %v as a boolean: %v", k, err)
		}
	}

	boolOpts := map[string]*bool{
		"starttls":             &c.StartTLS,
		"debug":                &c.Debug,
		"insecure_skip_verify": &c.InsecureSkipVerify,
	}
	for k, dst := range boolOpts {
		s, ok := v[k]
		if !ok || s == "" {
			continue
		}
		*dst, err = strconv.ParseBool(s)
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse %v as a boolean: %v", k, err)
		}
	}

	if s, ok := v["timeout"]; ok && s != "" {
		c.Timeout, err = parseDuration(s)
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse the connection timeout: %v", err)
		}
	}

	if s, ok := v["send_timeout"]; ok && s != "" {
		c.SendTimeout, err = parseDuration(s)
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse the send timeout: %v", err)
		}
	}

	if s, ok := v["max_message_size"]; ok && s != "" {
		c.MaxMessageSize, err = units.RAMInBytes(s)
		if err != nil {
			return ConnectOptions{}, fmt.Errorf("can't parse the maximum message size: %v", err)
		}
	}

	return c, nil
}

// parseDuration accepts either a Go duration string ("5s", "1m30s") or a
// whole number of seconds ("5").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// CheckAndSetDefaults validates c and either returns a copy of c with default
// settings applied or returns an error due to an invalid configuration
func (c *ConnectOptions) CheckAndSetDefaults() (ConnectOptions, error) {
	if c.Host == "" {
		return ConnectOptions{}, errors.New("must supply a relay host")
	}

	if c.Port < 0 || c.Port > 65535 {
		return ConnectOptions{}, fmt.Errorf("relay port %v is out of range", c.Port)
	}

	if c.Username == "" || c.Password == "" {
		return ConnectOptions{}, ErrMissingCredentials
	}

	if c.ImplicitTLS && c.StartTLS {
		return ConnectOptions{}, errors.New("implicit_tls and starttls are mutually exclusive")
	}

	if c.Timeout < 0 || c.SendTimeout < 0 {
		return ConnectOptions{}, errors.New("timeouts can't be negative")
	}

	if c.MaxMessageSize < 0 {
		return ConnectOptions{}, errors.New("the maximum message size can't be negative")
	}

	o := *c
	if o.Port == 0 {
		o.Port = DefaultPort
		if o.ImplicitTLS {
			o.Port = DefaultImplicitTLSPort
		}
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}

	switch o.AuthMechanism {
	case "":
		o.AuthMechanism = AuthPlain
	case AuthPlain, AuthLogin:
	default:
		return ConnectOptions{}, fmt.Errorf("unsupported auth mechanism %q", o.AuthMechanism)
	}

	return o, nil
}

// Address returns the host:port of the relay.
func (c ConnectOptions) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// tlsConfig returns the TLS settings used for implicit TLS and STARTTLS.
func (c ConnectOptions) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		tc := c.TLSConfig.Clone()
		if tc.ServerName == "" {
			tc.ServerName = c.Host
		}
		return tc
	}
	return &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}
