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

// Package store implements the address-keyed message store shared by the
// SMTP, IMAP, HTTP and MCP front-ends. It owns every row; other components
// only ever hold query results.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/themadorg/tempmail/internal/db"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyLocked    = errors.New("mailbox already locked")
	ErrWrongPassword    = errors.New("wrong password")
	ErrPasswordRequired = errors.New("password required")
	ErrNotClaimed       = errors.New("mailbox not claimed")
	ErrExists           = errors.New("already exists")
	ErrInvalid          = errors.New("validation failed")
)

// Store is a cheap, shareable handle over the database. All mutations that
// touch the emails table run inside a transaction together with the FTS
// index update (which sqlite triggers perform in the same transaction).
type Store struct {
	db *gorm.DB
}

func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// PutEmail persists the email atomically with its index entry.
func (s *Store) PutEmail(email *db.Email) error {
	if email.ID == "" {
		return fmt.Errorf("%w: email has no id", ErrInvalid)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(email).Error
	})
}

// GetEmail returns the email with the given id.
func (s *Store) GetEmail(id string) (*db.Email, error) {
	var email db.Email
	err := s.db.First(&email, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// ListByAddress returns the address's emails newest first. limit <= 0
// means no limit.
func (s *Store) ListByAddress(addr string, limit, offset int) ([]db.Email, error) {
	q := s.db.Where("to_address = ?", addr).
		Order("timestamp DESC, id DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var emails []db.Email
	if err := q.Find(&emails).Error; err != nil {
		return nil, err
	}
	return emails, nil
}

// ListByAddressAsc returns the address's emails in IMAP sequence order
// (oldest first, ties broken by id).
func (s *Store) ListByAddressAsc(addr string) ([]db.Email, error) {
	var emails []db.Email
	err := s.db.Where("to_address = ?", addr).
		Order("timestamp ASC, id ASC").
		Find(&emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}

// DeleteEmail removes the email and its index entry, returning the address
// it belonged to so the caller can publish the deletion.
func (s *Store) DeleteEmail(id string) (string, error) {
	var addr string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var email db.Email
		if err := tx.Select("id", "to_address").First(&email, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		addr = email.To
		return tx.Delete(&db.Email{}, "id = ?", id).Error
	})
	if err != nil {
		return "", err
	}
	return addr, nil
}

// Removed identifies one email deleted by the retention sweep.
type Removed struct {
	ID      string
	Address string
}

// DeleteOlderThan removes every email older than the given number of hours
// and reports exactly the removed set. Only the retention task calls this.
func (s *Store) DeleteOlderThan(hours int) ([]Removed, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var removed []Removed
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var expired []db.Email
		if err := tx.Select("id", "to_address").
			Where("timestamp < ?", cutoff).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, 0, len(expired))
		for _, e := range expired {
			ids = append(ids, e.ID)
			removed = append(removed, Removed{ID: e.ID, Address: e.To})
		}
		return tx.Delete(&db.Email{}, "id IN ?", ids).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Stats holds server-wide row counts for the status endpoint.
type Stats struct {
	Emails    int64 `json:"emails"`
	Mailboxes int64 `json:"mailboxes"`
	Webhooks  int64 `json:"webhooks"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.Model(&db.Email{}).Count(&st.Emails).Error; err != nil {
		return st, err
	}
	if err := s.db.Model(&db.Mailbox{}).Count(&st.Mailboxes).Error; err != nil {
		return st, err
	}
	if err := s.db.Model(&db.Webhook{}).Count(&st.Webhooks).Error; err != nil {
		return st, err
	}
	return st, nil
}
