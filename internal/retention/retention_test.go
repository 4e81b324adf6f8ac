package retention

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/db"
	"github.com/themadorg/tempmail/internal/events"
	"github.com/themadorg/tempmail/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestSweepDeletesAndPublishes(t *testing.T) {
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal("failed to open test DB:", err)
	}
	st := store.New(gdb)
	bus := events.NewBus()
	sub := bus.Subscribe("bob@tempmail.local")

	expired := &db.Email{
		ID: uuid.NewString(), To: "bob@tempmail.local",
		Subject: "old", Timestamp: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &db.Email{
		ID: uuid.NewString(), To: "bob@tempmail.local",
		Subject: "new", Timestamp: time.Now().UTC(),
	}
	for _, e := range []*db.Email{expired, fresh} {
		if err := st.PutEmail(e); err != nil {
			t.Fatal("PutEmail:", err)
		}
	}

	sweeper := NewSweeper(st, bus, 1, testLogger())
	sweeper.Sweep()

	if _, err := st.GetEmail(expired.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired email survived the sweep")
	}
	if _, err := st.GetEmail(fresh.ID); err != nil {
		t.Error("fresh email was swept")
	}

	select {
	case ev := <-sub.C:
		if ev.Kind != events.KindEmailDeleted || ev.ID != expired.ID {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("deletion not published")
	}

	// Second sweep is a no-op and publishes nothing.
	sweeper.Sweep()
	select {
	case ev := <-sub.C:
		t.Errorf("unexpected event on idle sweep: %+v", ev)
	default:
	}
}

func TestSweeperStartStop(t *testing.T) {
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal("failed to open test DB:", err)
	}
	sweeper := NewSweeper(store.New(gdb), events.NewBus(), 1, testLogger())
	sweeper.Start()
	sweeper.Close()
}
