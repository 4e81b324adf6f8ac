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

// Package events carries mailbox events from the ingestion path to the
// WebSocket and webhook consumers. The bus is in-process, bounded and
// lossy for slow subscribers: an overflowing subscriber is signalled and
// expected to re-query the store.
package events

import (
	"sync"

	"github.com/themadorg/tempmail/internal/db"
)

// Kind tags an Event. The values double as the WebSocket frame type names.
type Kind string

const (
	KindConnected    Kind = "Connected"
	KindEmailArrived Kind = "Email"
	KindEmailDeleted Kind = "EmailDeleted"
)

// Event is the tagged union put on the bus. Address is always set;
// Email only for arrivals, ID only for deletions.
type Event struct {
	Kind    Kind
	Address string
	Email   *db.Email
	ID      string
}

// subscriptionBuffer is sized for a burst of arrivals between two reads
// of a well-behaved consumer. Overflow drops the event for that
// subscriber and trips its Lost channel.
const subscriptionBuffer = 64

// Subscription receives events for one address (or all addresses). C is
// closed on Unsubscribe; Lost is closed (once) after the first dropped
// event.
type Subscription struct {
	C    <-chan Event
	Lost <-chan struct{}

	addr     string
	ch       chan Event
	lost     chan struct{}
	lostOnce sync.Once
}

// Bus is a multi-producer, multi-consumer broadcast channel. Filtering by
// address happens here, not in subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer for events addressed to addr.
func (b *Bus) Subscribe(addr string) *Subscription {
	sub := &Subscription{
		addr: addr,
		ch:   make(chan Event, subscriptionBuffer),
		lost: make(chan struct{}),
	}
	sub.C = sub.ch
	sub.Lost = sub.lost

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a consumer for every address. Used by the
// webhook dispatcher.
func (b *Bus) SubscribeAll() *Subscription {
	return b.Subscribe("")
}

// Unsubscribe removes the consumer and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans the event out to matching subscribers without blocking.
// A full subscriber buffer drops the event and trips Lost.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.addr != "" && sub.addr != ev.Address {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.lostOnce.Do(func() { close(sub.lost) })
		}
	}
}
