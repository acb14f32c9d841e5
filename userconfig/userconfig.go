package userconfig

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ptgott/relaymail/email"
	"github.com/rs/zerolog/log"

	yaml "gopkg.in/yaml.v2"
)

// Meta represents the relay accounts available to the application, keyed by
// alias, e.g.:
//
//	smtp:
//	  default:
//	    connect_options:
//	      host: smtp.example.com
//	      port: 465
//	      username: bot@example.com
//	      password: secret
//	      implicit_tls: true
type Meta struct {
	SMTP map[string]Alias `yaml:"smtp"`
}

// Alias contains the raw settings of one relay account. Values are kept as
// strings so that caller-supplied options can be merged over them before
// they are parsed.
type Alias struct {
	ConnectOptions map[string]string `yaml:"connect_options"`
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing. Individual aliases are
// validated on Lookup. The Reader r can be either JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	if len(m.SMTP) == 0 {
		return &Meta{}, errors.New("must include at least one alias within \"smtp\"")
	}

	// connect_options may be declared without a value, which YAML reads as
	// null
	for name, a := range m.SMTP {
		if a.ConnectOptions == nil {
			a.ConnectOptions = make(map[string]string)
			m.SMTP[name] = a
		}
	}

	log.Debug().
		Strs("aliases", m.Aliases()).
		Msg("parsed the relay configuration")

	return &m, nil
}

// Aliases returns the configured alias names in sorted order.
func (m *Meta) Aliases() []string {
	names := make([]string, 0, len(m.SMTP))
	for n := range m.SMTP {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Raw returns the connect options of alias merged with overrides, which take
// precedence on key collisions. Neither input map is modified.
func (m *Meta) Raw(alias string, overrides map[string]string) (map[string]string, error) {
	a, ok := m.SMTP[alias]
	if !ok {
		return nil, fmt.Errorf("no relay is configured for the alias %q", alias)
	}

	merged := make(map[string]string, len(a.ConnectOptions)+len(overrides))
	for k, v := range a.ConnectOptions {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged, nil
}

// Lookup returns validated connect options for alias, with overrides merged
// over the configured values and defaults applied (e.g., a 5s connection
// timeout).
func (m *Meta) Lookup(alias string, overrides map[string]string) (email.ConnectOptions, error) {
	raw, err := m.Raw(alias, overrides)
	if err != nil {
		return email.ConnectOptions{}, err
	}

	o, err := email.ParseConnectOptions(raw)
	if err != nil {
		return email.ConnectOptions{}, fmt.Errorf("invalid connect options for %q: %w", alias, err)
	}

	c, err := o.CheckAndSetDefaults()
	if err != nil {
		return email.ConnectOptions{}, fmt.Errorf("invalid connect options for %q: %w", alias, err)
	}
	return c, nil
}
