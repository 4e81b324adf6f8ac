// Package retention runs the periodic GC that removes expired mail.
// Exactly one sweeper exists per process; it is the only caller of
// DeleteOlderThan.
package retention

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
)

const sweepInterval = time.Hour

// Sweeper deletes mail older than the configured horizon and publishes a
// deletion event for every removed row.
type Sweeper struct {
	store *store.Store
	bus   *events.Bus
	log   logrus.FieldLogger
	hours int

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(st *store.Store, bus *events.Bus, hours int, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		store: st,
		bus:   bus,
		log:   log.WithField("component", "retention"),
		hours: hours,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep happens one interval
// after startup, not immediately.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Close() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one GC pass. Errors are logged; the loop resumes at the
// next tick regardless.
func (s *Sweeper) Sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("sweep panicked: %v", r)
		}
	}()

	removed, err := s.store.DeleteOlderThan(s.hours)
	if err != nil {
		s.log.WithError(err).Error("retention sweep failed")
		return
	}
	for _, r := range removed {
		s.bus.Publish(events.Event{
			Kind:    events.KindEmailDeleted,
			Address: r.Address,
			ID:      r.ID,
		})
	}
	if len(removed) > 0 {
		s.log.WithField("count", len(removed)).Info("expired emails removed")
	}
}
