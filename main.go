package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/provider"
	"github.com/ptgott/relaymail/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// listFlag collects every value of a flag that may be repeated.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// options are the command line settings for one send.
type options struct {
	configPath string
	alias      string
	from       string
	to         string
	cc         string
	subject    string
	body       string
	html       bool
	attach     listFlag
	images     listFlag
	level      string
	overrides  listFlag
	caFile     string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("relaymail", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.configPath, "config", "./config.yaml", "path to a JSON or YAML file containing your relay configuration")
	fs.StringVar(&o.alias, "alias", "default", "relay alias to send through")
	fs.StringVar(&o.from, "from", "", "comma-separated sender addresses (defaults to the relay username)")
	fs.StringVar(&o.to, "to", "", "comma-separated recipient addresses")
	fs.StringVar(&o.cc, "cc", "", "comma-separated carbon copy addresses")
	fs.StringVar(&o.subject, "subject", "", "message subject")
	fs.StringVar(&o.body, "body", "", "message body, or @path to read it from a file")
	fs.BoolVar(&o.html, "html", false, "send the body as HTML")
	fs.Var(&o.attach, "attach", "path of a file to attach (repeatable, implies -html)")
	fs.Var(&o.images, "image", "inline image as cid=path or path (repeatable, implies -html)")
	fs.Var(&o.overrides, "set", "connect option override as key=value (repeatable)")
	fs.StringVar(&o.caFile, "cafile", "", "PEM file of CA certificates to trust for the relay instead of the system roots")
	fs.StringVar(&o.level, "level", "info", `log level: "info", "debug", or "warn"`)

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if strings.TrimSpace(o.to) == "" && strings.TrimSpace(o.cc) == "" {
		return options{}, errors.New("must supply -to or -cc")
	}
	return o, nil
}

// splitList reads a comma-separated flag value. Display names containing
// commas must be quoted, e.g. "\"Doe, John\" <john@example.com>".
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return []string{}
	}
	var l []string
	var quoted bool
	start := 0
	for i, r := range v {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			l = append(l, strings.TrimSpace(v[start:i]))
			start = i + 1
		}
	}
	return append(l, strings.TrimSpace(v[start:]))
}

// parseOverrides turns key=value pairs into connect options.
func parseOverrides(pairs []string) (map[string]string, error) {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("can't parse the override %q: expected key=value", p)
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}

func readBody(v string) (string, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	b, err := os.ReadFile(v[1:])
	if err != nil {
		return "", fmt.Errorf("can't read the message body: %v", err)
	}
	return string(b), nil
}

// loadRootCAs reads the PEM certificates in path into a pool.
func loadRootCAs(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read the CA file: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no PEM certificates found in %v", path)
	}
	return pool, nil
}

// buildMessage assembles the message described by o.
func buildMessage(o options) (*email.Message, error) {
	body, err := readBody(o.body)
	if err != nil {
		return nil, err
	}

	if !o.html && len(o.attach) == 0 && len(o.images) == 0 {
		return email.NewTextMessage(o.subject, body), nil
	}

	files := make([]email.Attachment, 0, len(o.attach))
	for _, p := range o.attach {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("can't read the attachment %v: %v", p, err)
		}
		files = append(files, email.Attachment{
			Filename: filepath.Base(p),
			Content:  b,
		})
	}

	images := make([]email.InlineImage, 0, len(o.images))
	for _, v := range o.images {
		cid, p, ok := strings.Cut(v, "=")
		if !ok {
			// Without an explicit ID, derive one from the file name so the
			// body can refer to it with cid:
			p = v
			cid = email.ContentIDFromName(filepath.Base(v))
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("can't read the image %v: %v", p, err)
		}
		images = append(images, email.InlineImage{
			ContentID: cid,
			Content:   b,
		})
	}

	return email.NewHTMLMessage(o.subject, body, files, images), nil
}

// run sends one message as described by args and returns the exit status.
func run(ctx context.Context, args []string, output io.Writer) int {
	o, err := parseFlags(args, output)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("can't parse the command line")
		return 2
	}

	switch o.level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	f, err := os.Open(o.configPath)
	if err != nil {
		log.Error().
			Str("configPath", o.configPath).
			Err(err).
			Msg("We can't open the application config file")
		return 1
	}
	defer f.Close()

	config, err := userconfig.Parse(f)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		return 1
	}

	overrides, err := parseOverrides(o.overrides)
	if err != nil {
		log.Error().Err(err).Msg("Problem parsing your overrides")
		return 1
	}

	m, err := buildMessage(o)
	if err != nil {
		log.Error().Err(err).Msg("can't build the message")
		return 1
	}

	log.Info().
		Str("alias", o.alias).
		Int("parts", m.PartCount()).
		Msg("sending a message")

	p := provider.NewProxy(config, overrides)
	if o.caFile != "" {
		pool, err := loadRootCAs(o.caFile)
		if err != nil {
			log.Error().Err(err).Msg("Problem loading your CA file")
			return 1
		}
		p.SetTLSConfig(&tls.Config{RootCAs: pool})
	}

	res := p.Send(
		ctx,
		o.alias,
		m,
		splitList(o.from),
		splitList(o.to),
		splitList(o.cc),
	)
	if !res.Success {
		log.Error().
			Str("alias", o.alias).
			Str("kind", res.Kind.String()).
			Err(res.Err).
			Msg("the message wasn't sent")
		log.Debug().Msg(res.Diagnostic)
		return 1
	}

	log.Info().Str("alias", o.alias).Msg("the message was sent")
	return 0
}

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	log.Logger = log.With().Caller().Logger()

	// An interrupt cancels a send that is still connecting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
