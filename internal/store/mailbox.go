package store

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/themadorg/tempmail/internal/db"
)

// bcryptCost matches the cost used for account passwords. bcrypt embeds
// the cost and per-row salt in the hash itself.
const bcryptCost = 12

// ClaimMailbox binds a password to the address, first claim wins. Claiming
// an already-locked mailbox succeeds only when the supplied password is
// the one already bound (idempotent re-claim); any other password returns
// ErrAlreadyLocked. There is no password change and no reset.
func (s *Store) ClaimMailbox(addr, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password must not be empty", ErrInvalid)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var mbox db.Mailbox
		err := tx.First(&mbox, "address = ?", addr).Error
		switch {
		case err == nil && mbox.IsLocked():
			if bcrypt.CompareHashAndPassword([]byte(*mbox.PasswordHash), []byte(password)) == nil {
				return nil
			}
			return ErrAlreadyLocked
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return err
		}
		hashStr := string(hash)
		if mbox.Address == "" {
			return tx.Create(&db.Mailbox{Address: addr, PasswordHash: &hashStr}).Error
		}
		return tx.Model(&db.Mailbox{}).Where("address = ?", addr).
			Update("password_hash", hashStr).Error
	})
}

// VerifyMailbox checks access to the address. It returns nil when the
// mailbox is open (no row, or no password bound) or when the password
// matches; ErrPasswordRequired when locked and no password was given;
// ErrWrongPassword otherwise.
func (s *Store) VerifyMailbox(addr, password string) error {
	var mbox db.Mailbox
	err := s.db.First(&mbox, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !mbox.IsLocked() {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(*mbox.PasswordHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}

// ReleaseMailbox removes the claim row, returning the address to the
// unclaimed pool. Stored mail is left untouched.
func (s *Store) ReleaseMailbox(addr, password string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var mbox db.Mailbox
		err := tx.First(&mbox, "address = ?", addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotClaimed
		}
		if err != nil {
			return err
		}
		if !mbox.IsLocked() {
			return ErrNotClaimed
		}
		if bcrypt.CompareHashAndPassword([]byte(*mbox.PasswordHash), []byte(password)) != nil {
			return ErrWrongPassword
		}
		return tx.Delete(&db.Mailbox{}, "address = ?", addr).Error
	})
}

// IsLocked reports whether the address has a password bound.
func (s *Store) IsLocked(addr string) (bool, error) {
	var mbox db.Mailbox
	err := s.db.First(&mbox, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return mbox.IsLocked(), nil
}
