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

// Package imap serves an IMAP4rev1 subset over the message store. Each
// authenticated connection sees a single INBOX holding the mail of one
// normalized address; the mailbox password is checked through the same
// store path as HTTP and WebSocket access.
package imap

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	imapserver "github.com/emersion/go-imap/server"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/store"
)

// Endpoint is the IMAP listener.
type Endpoint struct {
	addr   string
	serv   *imapserver.Server
	l      net.Listener
	log    logrus.FieldLogger
	wg     sync.WaitGroup
	domain string
}

func New(addr, domain string, st *store.Store, log logrus.FieldLogger) *Endpoint {
	endp := &Endpoint{
		addr:   addr,
		domain: domain,
		log:    log.WithField("component", "imap"),
	}

	be := &imapBackend{
		store:  st,
		domain: domain,
		log:    endp.log,
	}
	endp.serv = imapserver.New(be)
	endp.serv.Addr = addr
	// Per-mailbox passwords already travel in cleartext over the HTTP
	// API; the IMAP listener matches that trust model.
	endp.serv.AllowInsecureAuth = true
	endp.serv.ErrorLog = serverLogger{endp.log}
	return endp
}

// Start opens the listener and begins accepting.
func (e *Endpoint) Start() error {
	l, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("imap: listen %s: %w", e.addr, err)
	}
	e.l = l
	e.log.WithField("addr", l.Addr().String()).Info("listener started")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.serv.Serve(l); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			e.log.WithError(err).Error("listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (e *Endpoint) Addr() net.Addr {
	if e.l == nil {
		return nil
	}
	return e.l.Addr()
}

// Close stops accepting and drops active connections.
func (e *Endpoint) Close() {
	e.serv.Close()
	e.wg.Wait()
}

// serverLogger adapts logrus to the imap server's Printf-style logger.
type serverLogger struct {
	log logrus.FieldLogger
}

func (l serverLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf(format, v...)
}

func (l serverLogger) Println(v ...interface{}) {
	l.log.Debug(fmt.Sprintln(v...))
}

// internalDate clamps stored timestamps to second precision, which is all
// INTERNALDATE can carry.
func internalDate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
