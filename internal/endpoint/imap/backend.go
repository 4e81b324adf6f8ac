package imap

import (
	"errors"
	"fmt"

	imap "github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"
	"github.com/sirupsen/logrus"

	"github.com/themadorg/tempmail/internal/address"
	"github.com/themadorg/tempmail/internal/store"
)

// imapBackend authenticates connections against the per-mailbox password.
type imapBackend struct {
	store  *store.Store
	domain string
	log    logrus.FieldLogger
}

// Login maps the username ("local" or "local@domain") to a normalized
// address and checks access the same way every other front-end does. An
// unclaimed mailbox accepts any password.
func (be *imapBackend) Login(_ *imap.ConnInfo, username, password string) (imapbackend.User, error) {
	addr := address.Normalize(username, be.domain)
	if addr == "" || address.Local(addr) == "" {
		return nil, imapbackend.ErrInvalidCredentials
	}

	err := be.store.VerifyMailbox(addr, password)
	switch {
	case errors.Is(err, store.ErrWrongPassword), errors.Is(err, store.ErrPasswordRequired):
		return nil, imapbackend.ErrInvalidCredentials
	case err != nil:
		return nil, err
	}

	be.log.WithField("address", addr).Debug("login")
	return &user{backend: be, addr: addr}, nil
}

// user is one authenticated connection's view: a single INBOX bound to
// the login address.
type user struct {
	backend *imapBackend
	addr    string
}

func (u *user) Username() string {
	return u.addr
}

func (u *user) ListMailboxes(subscribed bool) ([]imapbackend.Mailbox, error) {
	return []imapbackend.Mailbox{u.inbox()}, nil
}

func (u *user) GetMailbox(name string) (imapbackend.Mailbox, error) {
	if !isInbox(name) {
		return nil, imapbackend.ErrNoSuchMailbox
	}
	return u.inbox(), nil
}

func (u *user) CreateMailbox(name string) error {
	return fmt.Errorf("only INBOX is supported")
}

func (u *user) DeleteMailbox(name string) error {
	if isInbox(name) {
		return fmt.Errorf("INBOX cannot be deleted")
	}
	return imapbackend.ErrNoSuchMailbox
}

func (u *user) RenameMailbox(existingName, newName string) error {
	return fmt.Errorf("mailboxes cannot be renamed")
}

func (u *user) Logout() error {
	return nil
}

func (u *user) inbox() *mailbox {
	return &mailbox{user: u}
}

func isInbox(name string) bool {
	return imap.CanonicalMailboxName(name) == "INBOX"
}
