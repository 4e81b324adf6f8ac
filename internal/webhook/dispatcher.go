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

// Package webhook fans mailbox events out to subscribed HTTP endpoints.
// Delivery is strictly decoupled from ingestion: queues are bounded,
// failures are logged and dropped, and the SMTP path never waits on a
// webhook target.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/db"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
)

const (
	// attemptTimeout bounds a single HTTP POST.
	attemptTimeout = 15 * time.Second
	// maxRetries is on top of the initial attempt: 3 attempts total.
	maxRetries = 2
	// queueCap bounds the per-mailbox delivery backlog; the oldest entry
	// is dropped when a new one arrives on a full queue.
	queueCap = 256
)

// EmailSummary is the trimmed email representation sent to webhook
// targets: the attachment list collapses to a count.
type EmailSummary struct {
	ID          string    `json:"id"`
	To          string    `json:"to"`
	From        string    `json:"from"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments int       `json:"attachments"`
}

// Payload is the JSON body POSTed to webhook URLs.
type Payload struct {
	Event     string        `json:"event"`
	Mailbox   string        `json:"mailbox"`
	WebhookID string        `json:"webhook_id"`
	Timestamp time.Time     `json:"timestamp"`
	Email     *EmailSummary `json:"email,omitempty"`
	EmailID   string        `json:"email_id,omitempty"`
}

func summarize(email *db.Email) *EmailSummary {
	return &EmailSummary{
		ID:          email.ID,
		To:          email.To,
		From:        email.From,
		Subject:     email.Subject,
		Body:        email.Body,
		Timestamp:   email.Timestamp,
		Attachments: len(email.Attachments),
	}
}

type delivery struct {
	url     string
	payload Payload
}

// Dispatcher consumes the event bus and delivers per-webhook payloads
// with bounded retries.
type Dispatcher struct {
	store  *store.Store
	bus    *events.Bus
	log    logrus.FieldLogger
	client *http.Client

	mu      sync.Mutex
	queues  map[string]chan delivery
	stopped chan struct{}
	sub     *events.Subscription
	wg      sync.WaitGroup
}

func NewDispatcher(st *store.Store, bus *events.Bus, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		bus:     bus,
		log:     log.WithField("component", "webhook"),
		client:  &http.Client{Timeout: attemptTimeout},
		queues:  make(map[string]chan delivery),
		stopped: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins dispatching.
func (d *Dispatcher) Start() {
	d.sub = d.bus.SubscribeAll()
	d.wg.Add(1)
	go d.run()
}

// Close unsubscribes and waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.bus.Unsubscribe(d.sub)
	close(d.stopped)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatcher panicked: %v", r)
		}
	}()

	for ev := range d.sub.C {
		kind := ""
		switch ev.Kind {
		case events.KindEmailArrived:
			kind = "arrival"
		case events.KindEmailDeleted:
			kind = "deletion"
		default:
			continue
		}

		hooks, err := d.store.ListWebhooksByAddress(ev.Address)
		if err != nil {
			d.log.WithError(err).WithField("address", ev.Address).Error("webhook lookup failed")
			continue
		}
		for i := range hooks {
			hook := &hooks[i]
			if !hook.Enabled || !hook.SubscribedTo(kind) {
				continue
			}

			payload := Payload{
				Event:     kind,
				Mailbox:   ev.Address,
				WebhookID: hook.ID,
				Timestamp: time.Now().UTC(),
			}
			switch ev.Kind {
			case events.KindEmailArrived:
				payload.Email = summarize(ev.Email)
			case events.KindEmailDeleted:
				payload.EmailID = ev.ID
			}
			d.enqueue(ev.Address, delivery{url: hook.WebhookURL, payload: payload})
		}
	}
}

// enqueue hands the delivery to the address's worker, dropping the oldest
// queued delivery when the queue is full.
func (d *Dispatcher) enqueue(addr string, del delivery) {
	d.mu.Lock()
	q, ok := d.queues[addr]
	if !ok {
		q = make(chan delivery, queueCap)
		d.queues[addr] = q
		d.wg.Add(1)
		go d.worker(addr, q)
	}
	d.mu.Unlock()

	for {
		select {
		case q <- del:
			return
		default:
		}
		select {
		case dropped := <-q:
			d.log.WithFields(logrus.Fields{
				"address": addr,
				"url":     dropped.url,
			}).Warn("webhook queue full, dropping oldest delivery")
		default:
		}
	}
}

func (d *Dispatcher) worker(addr string, q chan delivery) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("webhook worker panicked: %v", r)
		}
	}()

	for {
		select {
		case <-d.stopped:
			return
		case del := <-q:
			d.deliver(del)
		}
	}
}

// deliver POSTs the payload, retrying twice with exponential backoff.
// Terminal failure is logged and forgotten.
func (d *Dispatcher) deliver(del delivery) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	err := backoff.Retry(func() error {
		return d.post(del.url, del.payload)
	}, backoff.WithMaxRetries(bo, maxRetries))
	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"url":     del.url,
			"mailbox": del.payload.Mailbox,
			"event":   del.payload.Event,
		}).Warn("webhook delivery failed after retries")
	}
}

func (d *Dispatcher) post(url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Test sends a synthetic payload to the webhook and reports whether the
// target answered 2xx. One attempt, no retries.
func (d *Dispatcher) Test(hook *db.Webhook) bool {
	now := time.Now().UTC()
	payload := Payload{
		Event:     "test",
		Mailbox:   hook.MailboxAddress,
		WebhookID: hook.ID,
		Timestamp: now,
		Email: &EmailSummary{
			ID:        "00000000-0000-0000-0000-000000000000",
			To:        hook.MailboxAddress,
			From:      "test@tempmail.invalid",
			Subject:   "Webhook test",
			Body:      "This is a webhook test delivery.",
			Timestamp: now,
		},
	}
	if err := d.post(hook.WebhookURL, payload); err != nil {
		d.log.WithError(err).WithField("url", hook.WebhookURL).Debug("webhook test failed")
		return false
	}
	return true
}
