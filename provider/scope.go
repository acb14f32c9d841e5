package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ptgott/relaymail/email"
	"github.com/rs/zerolog/log"
)

// ErrScopeReleased is returned when asking a released Scope for a Transport.
var ErrScopeReleased = errors.New("the scope has already been released")

// Scope tracks the Transports opened for one unit of work. It's owned by
// that unit of work and isn't safe for concurrent use. Concurrent units of
// work each get their own Scope.
type Scope struct {
	id         string
	proxy      *Proxy
	transports map[string]*email.Transport
	// aliases in the order they were opened, so release order is stable
	order    []string
	released bool
}

// NewScope starts a unit of work. Defer a call to Release right away.
func (p *Proxy) NewScope() *Scope {
	return &Scope{
		id:         uuid.NewString(),
		proxy:      p,
		transports: make(map[string]*email.Transport),
	}
}

// ID identifies the unit of work in logs.
func (s *Scope) ID() string {
	return s.id
}

// Transport returns the Transport for alias, opening it on first use. Later
// calls with the same alias return the same Transport.
func (s *Scope) Transport(ctx context.Context, alias string) (*email.Transport, error) {
	if s.released {
		return nil, ErrScopeReleased
	}
	if t, ok := s.transports[alias]; ok {
		return t, nil
	}

	t, err := s.proxy.Open(ctx, alias, nil)
	if err != nil {
		return nil, err
	}
	s.transports[alias] = t
	s.order = append(s.order, alias)

	log.Debug().
		Str("scope", s.id).
		Str("alias", alias).
		Msg("opened a transport for the scope")
	return t, nil
}

// Len returns the number of live Transports in the scope.
func (s *Scope) Len() int {
	return len(s.transports)
}

// Release releases every Transport opened through s exactly once, even if
// some fail to close, and returns the failures joined together. Calling it
// again is a no-op.
func (s *Scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, alias := range s.order {
		t := s.transports[alias]
		delete(s.transports, alias)
		if err := t.Release(); err != nil {
			errs = append(errs, fmt.Errorf("can't release the transport for %q: %w", alias, err))
		}
	}
	s.order = nil

	log.Debug().
		Str("scope", s.id).
		Int("errors", len(errs)).
		Msg("released the scope")
	return errors.Join(errs...)
}
