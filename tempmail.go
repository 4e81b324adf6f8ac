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

// Package tempmail ties the components together: configuration, storage,
// the event bus, and the SMTP/IMAP/HTTP/MCP endpoints.
package tempmail

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/themadorg/tempmail/internal/auth"
	"github.com/themadorg/tempmail/internal/config"
	"github.com/themadorg/tempmail/internal/db"
	apiendpoint "github.com/themadorg/tempmail/internal/endpoint/api"
	imapendpoint "github.com/themadorg/tempmail/internal/endpoint/imap"
	mcpendpoint "github.com/themadorg/tempmail/internal/endpoint/mcp"
	smtpendpoint "github.com/themadorg/tempmail/internal/endpoint/smtp"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/retention"
	"github.com/themadorg/tempmail/internal/store"
	"github.com/themadorg/tempmail/internal/webhook"
)

// Version is set at build time via -ldflags.
var Version = "unknown (built from source tree)"

// shutdownTimeout bounds the draining of in-flight HTTP requests at
// shutdown.
const shutdownTimeout = 30 * time.Second

// Run is the entry point used by cmd/tempmail.
func Run() {
	app := &cli.App{
		Name:    "tempmail",
		Usage:   "self-hosted ephemeral mail service",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load environment from `FILE` before reading configuration",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Action: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := godotenv.Load(path); err != nil {
					return cli.Exit(fmt.Sprintf("cannot load %s: %v", path, err), 2)
				}
			} else {
				// Best-effort default, matching `docker --env-file` habits.
				_ = godotenv.Load()
			}

			cfg, err := config.Load()
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration error: %v", err), 2)
			}

			log := newLogger(cfg, c.Bool("debug"))
			if err := serve(cfg, log); err != nil {
				log.WithError(err).Error("fatal error")
				return cli.Exit("", 1)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}

// serve wires every component and runs until SIGINT, SIGTERM or SIGHUP.
// On shutdown only the HTTP server drains in-flight requests, for up to
// shutdownTimeout; SMTP and IMAP sessions are closed without draining.
func serve(cfg *config.Config, log *logrus.Logger) error {
	dbCfg, err := db.ParseURL(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	dbCfg.Debug = log.IsLevelEnabled(logrus.DebugLevel)
	gdb, err := db.New(dbCfg)
	if err != nil {
		return err
	}

	st := store.New(gdb)
	bus := events.NewBus()

	dispatcher := webhook.NewDispatcher(st, bus, log)
	dispatcher.Start()
	defer dispatcher.Close()

	var tlsConfig *tls.Config
	if cfg.SMTPSSLEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.SMTPSSLCertPath, cfg.SMTPSSLKeyPath)
		if err != nil {
			return fmt.Errorf("cannot load TLS material: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	smtpEndp := smtpendpoint.New(smtpendpoint.Config{
		Domain:          cfg.DomainName,
		RejectNonDomain: cfg.RejectNonDomainMails,
		PlainAddr:       ":" + strconv.Itoa(cfg.SMTPPort),
		StartTLSAddr:    ":" + strconv.Itoa(cfg.SMTPStartTLSPort),
		SSLAddr:         ":" + strconv.Itoa(cfg.SMTPSSLPort),
		TLSConfig:       tlsConfig,
	}, st, bus, log)
	if err := smtpEndp.Start(); err != nil {
		return err
	}
	defer smtpEndp.Close()

	var imapEndp *imapendpoint.Endpoint
	if cfg.IMAPEnabled {
		imapEndp = imapendpoint.New(":"+strconv.Itoa(cfg.IMAPPort), cfg.DomainName, st, log)
		if err := imapEndp.Start(); err != nil {
			return err
		}
		defer imapEndp.Close()
	}

	var tokens *auth.Service
	if cfg.AuthEnabled {
		tokens = auth.NewService(cfg.AuthSecret)
	}
	apiServer := apiendpoint.New(apiendpoint.Config{
		Addr:        ":" + strconv.Itoa(cfg.APIPort),
		Domain:      cfg.DomainName,
		AuthEnabled: cfg.AuthEnabled,
		AuthDomain:  cfg.AuthDomain,
		IMAPEnabled: cfg.IMAPEnabled,
		SMTPPort:    cfg.SMTPPort,
	}, st, bus, dispatcher, tokens, log)
	if err := apiServer.Start(); err != nil {
		return err
	}

	if cfg.MCPEnabled {
		mcpEndp := mcpendpoint.New(":"+strconv.Itoa(cfg.MCPPort), cfg.DomainName, Version, st, bus, dispatcher, log)
		mcpEndp.Start()
		defer mcpEndp.Close()
	}

	if cfg.EmailRetentionHours > 0 {
		sweeper := retention.NewSweeper(st, bus, cfg.EmailRetentionHours, log)
		sweeper.Start()
		defer sweeper.Close()
	}

	log.WithFields(logrus.Fields{
		"domain":  cfg.DomainName,
		"version": Version,
	}).Info("tempmail started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(ctx)
}
