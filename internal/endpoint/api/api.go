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

// Package api is the HTTP/WebSocket facade: stateless JSON handlers over
// the store plus one bus subscription per WebSocket connection. Addresses
// are normalized server-side on every path that accepts one.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/auth"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
	"github.com/themadorg/tempmail/internal/webhook"
)

// Config wires the HTTP facade.
type Config struct {
	Addr        string
	Domain      string
	AuthEnabled bool
	AuthDomain  string
	IMAPEnabled bool
	SMTPPort    int
}

// Server owns the gin engine and the http.Server around it.
type Server struct {
	cfg        Config
	store      *store.Store
	bus        *events.Bus
	dispatcher *webhook.Dispatcher
	tokens     *auth.Service
	log        logrus.FieldLogger

	engine *gin.Engine
	http   *http.Server
	l      net.Listener
}

func New(cfg Config, st *store.Store, bus *events.Bus, dispatcher *webhook.Dispatcher, tokens *auth.Service, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		tokens:     tokens,
		log:        log.WithField("component", "api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog(), cors.Default())
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	if s.cfg.AuthEnabled {
		api.Use(s.requireToken())
	}

	api.GET("/status", s.handleServerStatus)

	api.GET("/mailbox/:address/status", s.handleMailboxStatus)
	api.POST("/mailbox/:address/claim", s.handleClaim)
	api.POST("/mailbox/:address/release", s.handleRelease)

	api.GET("/emails/:address", s.handleListEmails)
	api.GET("/email/:id", s.handleGetEmail)
	api.DELETE("/email/:id", s.handleDeleteEmail)
	api.GET("/search", s.handleSearch)

	api.POST("/webhooks", s.handleCreateWebhook)
	api.GET("/webhooks/:address", s.handleListWebhooks)
	api.GET("/webhook/:id", s.handleGetWebhook)
	api.PUT("/webhook/:id", s.handleUpdateWebhook)
	api.DELETE("/webhook/:id", s.handleDeleteWebhook)
	api.POST("/webhook/:id/test", s.handleTestWebhook)

	api.GET("/auth/status", s.handleAuthStatus)
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.GET("/auth/me", s.handleMe)

	api.GET("/ws/:address", s.handleWebSocket)
}

// Engine exposes the router for httptest-based tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start opens the listener and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}
	s.l = l
	s.http = &http.Server{Handler: s.engine}
	s.log.WithField("addr", l.Addr().String()).Info("listener started")

	go func() {
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("request")
	}
}

// errorResponse maps store sentinels onto the HTTP error taxonomy.
func (s *Server) errorResponse(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "code": "not_found"})
	case errors.Is(err, store.ErrPasswordRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "mailbox is password protected", "code": "password_required"})
	case errors.Is(err, store.ErrWrongPassword):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password", "code": "wrong_password"})
	case errors.Is(err, store.ErrAlreadyLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox is already locked", "code": "already_locked"})
	case errors.Is(err, store.ErrNotClaimed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox is not claimed", "code": "not_claimed"})
	case errors.Is(err, store.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
	default:
		s.log.WithError(err).Error("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "storage_fatal"})
	}
}
