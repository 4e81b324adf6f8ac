package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/themadorg/tempmail/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal("failed to open test DB:", err)
	}
	return New(gdb)
}

func testEmail(to string, ts time.Time) *db.Email {
	return &db.Email{
		ID:        uuid.NewString(),
		To:        to,
		From:      "sender@example.com",
		Subject:   "test subject",
		Body:      "test body",
		Timestamp: ts,
	}
}

func ftsCount(t *testing.T, s *Store) int64 {
	t.Helper()
	var count int64
	// A plain scan of the external-content table would read the emails
	// table; the docsize shadow table holds one row per indexed document.
	if err := s.DB().Raw("SELECT count(*) FROM emails_fts_docsize").Scan(&count).Error; err != nil {
		t.Fatal("failed to count FTS rows:", err)
	}
	return count
}

func TestPutGetEmail(t *testing.T) {
	s := testStore(t)

	email := testEmail("bob@tempmail.local", time.Now().UTC())
	email.Attachments = []db.Attachment{
		{Filename: "a.txt", ContentType: "text/plain", SizeBytes: 5, ContentBase64: "aGVsbG8="},
	}
	if err := s.PutEmail(email); err != nil {
		t.Fatal("PutEmail:", err)
	}

	got, err := s.GetEmail(email.ID)
	if err != nil {
		t.Fatal("GetEmail:", err)
	}
	if got.To != email.To || got.Subject != email.Subject || got.Body != email.Body {
		t.Errorf("stored email differs: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "a.txt" {
		t.Errorf("attachments not round-tripped: %+v", got.Attachments)
	}

	if _, err := s.GetEmail("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListByAddressOrdering(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := testEmail("bob@tempmail.local", base.Add(time.Duration(i)*time.Minute))
		e.Subject = fmt.Sprintf("mail %d", i)
		if err := s.PutEmail(e); err != nil {
			t.Fatal("PutEmail:", err)
		}
	}
	// Another address must not leak into the listing.
	if err := s.PutEmail(testEmail("alice@tempmail.local", base)); err != nil {
		t.Fatal("PutEmail:", err)
	}

	emails, err := s.ListByAddress("bob@tempmail.local", 0, 0)
	if err != nil {
		t.Fatal("ListByAddress:", err)
	}
	if len(emails) != 3 {
		t.Fatalf("expected 3 emails, got %d", len(emails))
	}
	for i := 0; i < len(emails)-1; i++ {
		if emails[i].Timestamp.Before(emails[i+1].Timestamp) {
			t.Errorf("listing not newest-first at %d", i)
		}
	}
	if emails[0].Subject != "mail 2" {
		t.Errorf("expected newest first, got %q", emails[0].Subject)
	}

	limited, err := s.ListByAddress("bob@tempmail.local", 1, 1)
	if err != nil {
		t.Fatal("ListByAddress:", err)
	}
	if len(limited) != 1 || limited[0].Subject != "mail 1" {
		t.Errorf("limit/offset wrong: %+v", limited)
	}

	asc, err := s.ListByAddressAsc("bob@tempmail.local")
	if err != nil {
		t.Fatal("ListByAddressAsc:", err)
	}
	if len(asc) != 3 || asc[0].Subject != "mail 0" {
		t.Errorf("ascending order wrong: %+v", asc)
	}
}

func TestDeleteEmailReturnsAddress(t *testing.T) {
	s := testStore(t)
	email := testEmail("bob@tempmail.local", time.Now().UTC())
	if err := s.PutEmail(email); err != nil {
		t.Fatal("PutEmail:", err)
	}

	addr, err := s.DeleteEmail(email.ID)
	if err != nil {
		t.Fatal("DeleteEmail:", err)
	}
	if addr != "bob@tempmail.local" {
		t.Errorf("wrong address returned: %q", addr)
	}
	if _, err := s.GetEmail(email.ID); !errors.Is(err, ErrNotFound) {
		t.Error("email still present after delete")
	}
	if _, err := s.DeleteEmail(email.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Index coherence — every surviving email has exactly one FTS row, no orphans
// ---------------------------------------------------------------------------

func TestIndexCoherence(t *testing.T) {
	s := testStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		e := testEmail("bob@tempmail.local", time.Now().UTC())
		if err := s.PutEmail(e); err != nil {
			t.Fatal("PutEmail:", err)
		}
		ids = append(ids, e.ID)
	}
	if got := ftsCount(t, s); got != 5 {
		t.Fatalf("expected 5 FTS rows, got %d", got)
	}

	for _, id := range ids[:3] {
		if _, err := s.DeleteEmail(id); err != nil {
			t.Fatal("DeleteEmail:", err)
		}
	}
	if got := ftsCount(t, s); got != 2 {
		t.Fatalf("expected 2 FTS rows after deletes, got %d", got)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	old := testEmail("bob@tempmail.local", now.Add(-2*time.Hour))
	fresh := testEmail("bob@tempmail.local", now.Add(-10*time.Minute))
	for _, e := range []*db.Email{old, fresh} {
		if err := s.PutEmail(e); err != nil {
			t.Fatal("PutEmail:", err)
		}
	}

	removed, err := s.DeleteOlderThan(1)
	if err != nil {
		t.Fatal("DeleteOlderThan:", err)
	}
	if len(removed) != 1 || removed[0].ID != old.ID || removed[0].Address != "bob@tempmail.local" {
		t.Fatalf("wrong removed set: %+v", removed)
	}
	if _, err := s.GetEmail(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expired email survived")
	}
	if _, err := s.GetEmail(fresh.ID); err != nil {
		t.Error("fresh email was removed")
	}
	if got := ftsCount(t, s); got != 1 {
		t.Errorf("FTS rows out of sync after retention: %d", got)
	}

	// Second sweep finds nothing.
	removed, err = s.DeleteOlderThan(1)
	if err != nil {
		t.Fatal("DeleteOlderThan:", err)
	}
	if len(removed) != 0 {
		t.Errorf("expected empty removed set, got %+v", removed)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	if err := s.PutEmail(testEmail("bob@tempmail.local", time.Now().UTC())); err != nil {
		t.Fatal("PutEmail:", err)
	}
	if err := s.ClaimMailbox("bob@tempmail.local", "pw"); err != nil {
		t.Fatal("ClaimMailbox:", err)
	}
	if _, err := s.CreateWebhook("bob@tempmail.local", "https://example.com/hook", []string{"arrival"}); err != nil {
		t.Fatal("CreateWebhook:", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatal("Stats:", err)
	}
	if st.Emails != 1 || st.Mailboxes != 1 || st.Webhooks != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
