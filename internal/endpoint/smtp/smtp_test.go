package smtp

import (
	"fmt"
	"net/smtp"
	"strings"
	"testing"
	"time"

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

func testEndpoint(t *testing.T, reject bool) (*Endpoint, *store.Store, *events.Bus) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal("failed to open test DB:", err)
	}
	st := store.New(gdb)
	bus := events.NewBus()

	endp := New(Config{
		Domain:          "tempmail.local",
		RejectNonDomain: reject,
		PlainAddr:       "127.0.0.1:0",
	}, st, bus, testLogger())
	if err := endp.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	t.Cleanup(endp.Close)
	return endp, st, bus
}

func dial(t *testing.T, endp *Endpoint) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(endp.Addr().String())
	if err != nil {
		t.Fatal("dial:", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *smtp.Client, body string) {
	t.Helper()
	w, err := c.Data()
	if err != nil {
		t.Fatal("DATA:", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatal("write body:", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal("end of DATA:", err)
	}
}

func TestIngestOneMail(t *testing.T) {
	endp, st, bus := testEndpoint(t, false)
	sub := bus.Subscribe("bob@tempmail.local")

	c := dial(t, endp)
	if err := c.Hello("client.example"); err != nil {
		t.Fatal("EHLO:", err)
	}
	if ok, _ := c.Extension("8BITMIME"); !ok {
		t.Error("8BITMIME not advertised")
	}
	if ok, _ := c.Extension("SMTPUTF8"); !ok {
		t.Error("SMTPUTF8 not advertised")
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		t.Error("STARTTLS advertised on plain listener")
	}

	if err := c.Mail("a@x"); err != nil {
		t.Fatal("MAIL FROM:", err)
	}
	if err := c.Rcpt("bob@tempmail.local"); err != nil {
		t.Fatal("RCPT TO:", err)
	}
	send(t, c, "Subject: Hi\r\n\r\nHello.\r\n")
	if err := c.Quit(); err != nil {
		t.Fatal("QUIT:", err)
	}

	emails, err := st.ListByAddress("bob@tempmail.local", 0, 0)
	if err != nil {
		t.Fatal("ListByAddress:", err)
	}
	if len(emails) != 1 {
		t.Fatalf("expected 1 stored email, got %d", len(emails))
	}
	e := emails[0]
	if e.From != "a@x" || e.Subject != "Hi" || e.Body != "Hello." || e.To != "bob@tempmail.local" {
		t.Errorf("stored email wrong: %+v", e)
	}
	if len(e.Raw) == 0 {
		t.Error("raw DATA not kept")
	}

	select {
	case ev := <-sub.C:
		if ev.Kind != events.KindEmailArrived || ev.Email.ID != e.ID {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("arrival not published")
	}
}

func TestRecipientNormalization(t *testing.T) {
	endp, st, _ := testEndpoint(t, false)

	c := dial(t, endp)
	if err := c.Mail("a@x"); err != nil {
		t.Fatal("MAIL FROM:", err)
	}
	// Bare local-part gets the configured domain; case folds.
	if err := c.Rcpt("Carol"); err != nil {
		t.Fatal("RCPT TO:", err)
	}
	send(t, c, "Subject: x\r\n\r\nbody\r\n")
	_ = c.Quit()

	emails, err := st.ListByAddress("carol@tempmail.local", 0, 0)
	if err != nil || len(emails) != 1 {
		t.Fatalf("normalized recipient not found: %v, %d", err, len(emails))
	}
}

func TestMultiRecipientFanOut(t *testing.T) {
	endp, st, _ := testEndpoint(t, false)

	c := dial(t, endp)
	if err := c.Mail("a@x"); err != nil {
		t.Fatal("MAIL FROM:", err)
	}
	rcpts := []string{"one@tempmail.local", "two@tempmail.local", "three@tempmail.local"}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			t.Fatal("RCPT TO:", err)
		}
	}
	send(t, c, "Subject: fan\r\n\r\nout\r\n")
	_ = c.Quit()

	for _, r := range rcpts {
		emails, err := st.ListByAddress(r, 0, 0)
		if err != nil || len(emails) != 1 {
			t.Errorf("%s: %v, %d emails", r, err, len(emails))
		}
	}
}

func TestDomainFilter(t *testing.T) {
	endp, st, _ := testEndpoint(t, true)

	c := dial(t, endp)
	if err := c.Mail("a@x"); err != nil {
		t.Fatal("MAIL FROM:", err)
	}
	err := c.Rcpt("someone@elsewhere.example")
	if err == nil {
		t.Fatal("foreign recipient accepted despite filter")
	}
	if !strings.Contains(err.Error(), "550") {
		t.Errorf("expected 550, got %v", err)
	}

	// The session survives; a local recipient still works.
	if err := c.Rcpt("bob@tempmail.local"); err != nil {
		t.Fatal("local RCPT after rejection:", err)
	}
	send(t, c, "Subject: kept\r\n\r\nstill here\r\n")
	_ = c.Quit()

	emails, err := st.ListByAddress("bob@tempmail.local", 0, 0)
	if err != nil || len(emails) != 1 {
		t.Fatalf("expected 1 email, got %v, %d", err, len(emails))
	}
	if n, _ := st.ListByAddress("someone@elsewhere.example", 0, 0); len(n) != 0 {
		t.Error("rejected recipient got mail")
	}
}

func TestMultipleTransactionsPerSession(t *testing.T) {
	endp, st, _ := testEndpoint(t, false)

	c := dial(t, endp)
	for i := 0; i < 2; i++ {
		if err := c.Mail(fmt.Sprintf("sender%d@x", i)); err != nil {
			t.Fatal("MAIL FROM:", err)
		}
		if err := c.Rcpt("bob@tempmail.local"); err != nil {
			t.Fatal("RCPT TO:", err)
		}
		send(t, c, fmt.Sprintf("Subject: msg %d\r\n\r\nbody\r\n", i))
	}
	_ = c.Quit()

	emails, err := st.ListByAddress("bob@tempmail.local", 0, 0)
	if err != nil || len(emails) != 2 {
		t.Fatalf("expected 2 emails, got %v, %d", err, len(emails))
	}
}

func TestDotStuffedBody(t *testing.T) {
	endp, st, _ := testEndpoint(t, false)

	c := dial(t, endp)
	if err := c.Mail("a@x"); err != nil {
		t.Fatal("MAIL FROM:", err)
	}
	if err := c.Rcpt("bob@tempmail.local"); err != nil {
		t.Fatal("RCPT TO:", err)
	}
	// net/smtp dot-stuffs on the wire; the server must unstuff.
	send(t, c, "Subject: dots\r\n\r\nline one\r\n.leading dot\r\n")
	_ = c.Quit()

	emails, err := st.ListByAddress("bob@tempmail.local", 0, 0)
	if err != nil || len(emails) != 1 {
		t.Fatalf("expected 1 email, got %v, %d", err, len(emails))
	}
	if !strings.Contains(emails[0].Body, ".leading dot") {
		t.Errorf("dot-unstuffing failed: %q", emails[0].Body)
	}
}
