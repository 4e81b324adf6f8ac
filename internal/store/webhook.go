package store

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/themadorg/tempmail/internal/db"
)

// Event kinds a webhook may subscribe to. "read" is accepted for forward
// compatibility but the back-end never produces it.
var validWebhookEvents = map[string]bool{
	"arrival":  true,
	"deletion": true,
	"read":     true,
}

func validateWebhook(webhookURL string, events []string) error {
	u, err := url.Parse(webhookURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) URL", ErrInvalid)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: events must not be empty", ErrInvalid)
	}
	for _, ev := range events {
		if !validWebhookEvents[ev] {
			return fmt.Errorf("%w: unknown event kind %q", ErrInvalid, ev)
		}
	}
	return nil
}

// CreateWebhook stores a new subscription and returns it with its id set.
func (s *Store) CreateWebhook(addr, webhookURL string, events []string) (*db.Webhook, error) {
	if err := validateWebhook(webhookURL, events); err != nil {
		return nil, err
	}
	wh := &db.Webhook{
		ID:             uuid.NewString(),
		MailboxAddress: addr,
		WebhookURL:     webhookURL,
		Events:         events,
		Enabled:        true,
	}
	if err := s.db.Create(wh).Error; err != nil {
		return nil, err
	}
	return wh, nil
}

func (s *Store) GetWebhook(id string) (*db.Webhook, error) {
	var wh db.Webhook
	err := s.db.First(&wh, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

func (s *Store) ListWebhooksByAddress(addr string) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := s.db.Where("mailbox_address = ?", addr).
		Order("created_at ASC").
		Find(&hooks).Error
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

// UpdateWebhook replaces the mutable fields (URL, events, enabled).
func (s *Store) UpdateWebhook(id, webhookURL string, events []string, enabled bool) (*db.Webhook, error) {
	if err := validateWebhook(webhookURL, events); err != nil {
		return nil, err
	}
	var updated *db.Webhook
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var wh db.Webhook
		if err := tx.First(&wh, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		wh.WebhookURL = webhookURL
		wh.Events = events
		wh.Enabled = enabled
		updated = &wh
		return tx.Save(&wh).Error
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteWebhook(id string) error {
	res := s.db.Delete(&db.Webhook{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
