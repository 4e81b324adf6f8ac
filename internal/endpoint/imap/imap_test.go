package imap

import (
	"io"
	"strings"
	"testing"
	"time"

	imapproto "github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/db"
	"github.com/themadorg/tempmail/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal("failed to open test DB:", err)
	}
	return store.New(gdb)
}

func testEndpoint(t *testing.T, st *store.Store) *Endpoint {
	t.Helper()
	endp := New("127.0.0.1:0", "tempmail.local", st, testLogger())
	if err := endp.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	t.Cleanup(endp.Close)
	return endp
}

func connect(t *testing.T, endp *Endpoint) *imapclient.Client {
	t.Helper()
	c, err := imapclient.Dial(endp.Addr().String())
	if err != nil {
		t.Fatal("dial:", err)
	}
	t.Cleanup(func() { c.Logout() })
	return c
}

func seed(t *testing.T, st *store.Store, n int) []*db.Email {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var out []*db.Email
	for i := 0; i < n; i++ {
		e := &db.Email{
			ID:        uuid.NewString(),
			To:        "bob@tempmail.local",
			From:      "sender@example.com",
			Subject:   "message " + string(rune('A'+i)),
			Body:      "body " + string(rune('A'+i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.PutEmail(e); err != nil {
			t.Fatal("PutEmail:", err)
		}
		out = append(out, e)
	}
	return out
}

func TestLoginMatrix(t *testing.T) {
	st := testStore(t)
	endp := testEndpoint(t, st)

	// Open mailbox: any password, bare local or full address.
	for _, cred := range [][2]string{{"bob", ""}, {"bob", "anything"}, {"Bob@Tempmail.Local", "x"}} {
		c := connect(t, endp)
		if err := c.Login(cred[0], cred[1]); err != nil {
			t.Errorf("login %q/%q on open mailbox failed: %v", cred[0], cred[1], err)
		}
	}

	if err := st.ClaimMailbox("bob@tempmail.local", "p1"); err != nil {
		t.Fatal("ClaimMailbox:", err)
	}

	c := connect(t, endp)
	if err := c.Login("bob", "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	c2 := connect(t, endp)
	if err := c2.Login("bob", "p1"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
}

func TestSelectInbox(t *testing.T) {
	st := testStore(t)
	seed(t, st, 3)
	endp := testEndpoint(t, st)

	c := connect(t, endp)
	if err := c.Login("bob", ""); err != nil {
		t.Fatal("login:", err)
	}
	mbox, err := c.Select("INBOX", false)
	if err != nil {
		t.Fatal("SELECT:", err)
	}
	if mbox.Messages != 3 {
		t.Errorf("EXISTS = %d, want 3", mbox.Messages)
	}
	if mbox.UidValidity == 0 {
		t.Error("UIDVALIDITY is zero")
	}

	// UIDVALIDITY is derived from the address: stable across a restart.
	endp2 := testEndpoint(t, st)
	c2 := connect(t, endp2)
	if err := c2.Login("bob", ""); err != nil {
		t.Fatal("login:", err)
	}
	mbox2, err := c2.Select("INBOX", false)
	if err != nil {
		t.Fatal("SELECT:", err)
	}
	if mbox2.UidValidity != mbox.UidValidity {
		t.Errorf("UIDVALIDITY changed across restart: %d != %d", mbox2.UidValidity, mbox.UidValidity)
	}
}

func TestFetchEnvelopeAndBody(t *testing.T) {
	st := testStore(t)
	emails := seed(t, st, 2)
	endp := testEndpoint(t, st)

	c := connect(t, endp)
	if err := c.Login("bob", ""); err != nil {
		t.Fatal("login:", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatal("SELECT:", err)
	}

	seqset := new(imapproto.SeqSet)
	seqset.AddRange(1, 2)
	section := &imapproto.BodySectionName{}
	items := []imapproto.FetchItem{
		imapproto.FetchUid, imapproto.FetchEnvelope,
		imapproto.FetchInternalDate, imapproto.FetchRFC822Size,
		section.FetchItem(),
	}

	ch := make(chan *imapproto.Message, 4)
	if err := c.Fetch(seqset, items, ch); err != nil {
		t.Fatal("FETCH:", err)
	}

	count := 0
	for msg := range ch {
		count++
		// Sequence order is oldest-first; UIDs equal sequence ordinals.
		want := emails[msg.SeqNum-1]
		if msg.Uid != msg.SeqNum {
			t.Errorf("uid %d != seq %d", msg.Uid, msg.SeqNum)
		}
		if msg.Envelope == nil || msg.Envelope.Subject != want.Subject {
			t.Errorf("envelope subject = %v, want %q", msg.Envelope, want.Subject)
		}
		if msg.Size == 0 {
			t.Error("RFC822.SIZE is zero")
		}

		r := msg.GetBody(section)
		if r == nil {
			t.Fatal("BODY[] missing")
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			t.Fatal("read body:", err)
		}
		text := string(raw)
		for _, needle := range []string{
			"Subject: " + want.Subject,
			"From: " + want.From,
			"To: " + want.To,
			want.Body,
		} {
			if !strings.Contains(text, needle) {
				t.Errorf("BODY[] missing %q in:\n%s", needle, text)
			}
		}
	}
	if count != 2 {
		t.Errorf("fetched %d messages, want 2", count)
	}
}

func TestSearch(t *testing.T) {
	st := testStore(t)
	seed(t, st, 3)
	endp := testEndpoint(t, st)

	c := connect(t, endp)
	if err := c.Login("bob", ""); err != nil {
		t.Fatal("login:", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatal("SELECT:", err)
	}

	criteria := imapproto.NewSearchCriteria()
	criteria.Header.Add("Subject", "message B")
	ids, err := c.Search(criteria)
	if err != nil {
		t.Fatal("SEARCH:", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Errorf("SEARCH SUBJECT = %v, want [2]", ids)
	}

	all, err := c.Search(imapproto.NewSearchCriteria())
	if err != nil {
		t.Fatal("SEARCH ALL:", err)
	}
	if len(all) != 3 {
		t.Errorf("SEARCH ALL returned %d ids", len(all))
	}
}

func TestUIDValidityDeterministic(t *testing.T) {
	st := testStore(t)
	be := &imapBackend{store: st, domain: "tempmail.local", log: testLogger()}
	u := &user{backend: be, addr: "bob@tempmail.local"}
	m := &mailbox{user: u}

	v1 := m.uidValidity()
	v2 := m.uidValidity()
	if v1 != v2 || v1 == 0 {
		t.Errorf("uidValidity unstable: %d, %d", v1, v2)
	}

	other := &mailbox{user: &user{backend: be, addr: "alice@tempmail.local"}}
	if other.uidValidity() == v1 {
		t.Error("distinct addresses share UIDVALIDITY")
	}
}

func TestRenderPrefersRaw(t *testing.T) {
	raw := []byte("From: x@y\r\nSubject: raw copy\r\n\r\noriginal bytes\r\n")
	e := &db.Email{ID: "1", To: "bob@tempmail.local", Raw: raw, Body: "ignored", Timestamp: time.Now()}
	if got := render(e); string(got) != string(raw) {
		t.Errorf("render did not return raw bytes: %q", got)
	}

	e.Raw = nil
	text := string(render(e))
	if !strings.Contains(text, "ignored") || !strings.Contains(text, "To: bob@tempmail.local") {
		t.Errorf("synthesized rendering wrong:\n%s", text)
	}
}
