/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtp is the inbound-only SMTP endpoint. Up to three listeners
// share one backend: plain TCP, STARTTLS and implicit TLS. Sessions
// require no authentication; anyone may deliver to a local mailbox.
package smtp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/address"
	"github.com/themadorg/tempmail/internal/db"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/parser"
	"github.com/themadorg/tempmail/internal/store"
)

const (
	maxMessageBytes = 10 << 20
	maxRecipients   = 50
	ioTimeout       = 2 * time.Minute
)

// Config wires the endpoint. TLSConfig may be nil, in which case only the
// plain listener starts.
type Config struct {
	Domain          string
	RejectNonDomain bool

	PlainAddr    string
	StartTLSAddr string
	SSLAddr      string

	TLSConfig *tls.Config
}

// Endpoint owns the listeners and the shared session backend.
type Endpoint struct {
	cfg   Config
	store *store.Store
	bus   *events.Bus
	log   logrus.FieldLogger

	servers   []*gosmtp.Server
	listeners []net.Listener
	wg        sync.WaitGroup
}

func New(cfg Config, st *store.Store, bus *events.Bus, log logrus.FieldLogger) *Endpoint {
	return &Endpoint{
		cfg:   cfg,
		store: st,
		bus:   bus,
		log:   log.WithField("component", "smtp"),
	}
}

func (e *Endpoint) newServer(tlsConfig *tls.Config) *gosmtp.Server {
	srv := gosmtp.NewServer(&backend{endp: e})
	srv.Domain = e.cfg.Domain
	srv.MaxMessageBytes = maxMessageBytes
	srv.MaxRecipients = maxRecipients
	srv.ReadTimeout = ioTimeout
	srv.WriteTimeout = ioTimeout
	srv.EnableSMTPUTF8 = true
	srv.TLSConfig = tlsConfig
	return srv
}

// Start opens the listeners and begins accepting. The plain listener is
// always started; STARTTLS and implicit TLS require TLSConfig.
func (e *Endpoint) Start() error {
	type listenerSpec struct {
		name     string
		addr     string
		tls      *tls.Config
		implicit bool
	}
	specs := []listenerSpec{
		{name: "plain", addr: e.cfg.PlainAddr},
	}
	if e.cfg.TLSConfig != nil {
		specs = append(specs,
			listenerSpec{name: "starttls", addr: e.cfg.StartTLSAddr, tls: e.cfg.TLSConfig},
			listenerSpec{name: "tls", addr: e.cfg.SSLAddr, tls: e.cfg.TLSConfig, implicit: true},
		)
	}

	for _, spec := range specs {
		l, err := net.Listen("tcp", spec.addr)
		if err != nil {
			e.Close()
			return fmt.Errorf("smtp: listen %s: %w", spec.addr, err)
		}
		if spec.implicit {
			l = tls.NewListener(l, spec.tls)
		}

		srv := e.newServer(spec.tls)
		e.servers = append(e.servers, srv)
		e.listeners = append(e.listeners, l)
		e.log.WithField("addr", l.Addr().String()).Infof("%s listener started", spec.name)

		e.wg.Add(1)
		go func(srv *gosmtp.Server, l net.Listener, name string) {
			defer e.wg.Done()
			if err := srv.Serve(l); err != nil && !isClosedErr(err) {
				e.log.WithError(err).Errorf("%s listener failed", name)
			}
		}(srv, l, spec.name)
	}
	return nil
}

// Addr returns the bound address of the first (plain) listener; used by
// tests that listen on port 0.
func (e *Endpoint) Addr() net.Addr {
	if len(e.listeners) == 0 {
		return nil
	}
	return e.listeners[0].Addr()
}

// Close stops accepting and terminates active sessions.
func (e *Endpoint) Close() {
	for _, srv := range e.servers {
		srv.Close()
	}
	e.wg.Wait()
}

func isClosedErr(err error) bool {
	return err == gosmtp.ErrServerClosed || strings.Contains(err.Error(), "use of closed network connection")
}

type backend struct {
	endp *Endpoint
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{endp: b.endp, remote: remote}, nil
}

// session accumulates one SMTP transaction. go-smtp drives the command
// state machine, dot-unstuffing and the RFC 5321 reply codes; only the
// envelope handling and the DATA sink live here.
type session struct {
	endp   *Endpoint
	remote string

	from  string
	rcpts []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = strings.TrimSpace(from)
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	norm := address.Normalize(to, s.endp.cfg.Domain)
	if norm == "" || address.Local(norm) == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "Bad recipient address",
		}
	}
	if s.endp.cfg.RejectNonDomain && address.Domain(norm) != s.endp.cfg.Domain {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("Relay not permitted, only %s recipients are accepted", s.endp.cfg.Domain),
		}
	}
	s.rcpts = append(s.rcpts, norm)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	parsed := parser.Parse(raw)
	from := s.from
	if from == "" {
		from = parsed.From
	}
	now := time.Now().UTC()

	// One stored row per envelope recipient; publication happens only
	// after the row is committed.
	for _, rcpt := range s.rcpts {
		email := &db.Email{
			ID:          uuid.NewString(),
			To:          rcpt,
			From:        from,
			Subject:     parsed.Subject,
			Body:        parsed.Body,
			Timestamp:   now,
			Raw:         raw,
			Attachments: parsed.Attachments,
		}
		if err := s.endp.store.PutEmail(email); err != nil {
			s.endp.log.WithError(err).WithField("to", rcpt).Error("failed to store email")
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary storage failure, try again later",
			}
		}
		s.endp.bus.Publish(events.Event{
			Kind:    events.KindEmailArrived,
			Address: rcpt,
			Email:   email,
		})
		s.endp.log.WithFields(logrus.Fields{
			"id":     email.ID,
			"to":     rcpt,
			"from":   from,
			"remote": s.remote,
			"bytes":  len(raw),
		}).Info("email received")
	}

	s.Reset()
	return nil
}
