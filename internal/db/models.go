package db

import "time"

// Attachment is one decoded MIME attachment carried by an Email.
type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	SizeBytes     int    `json:"size_bytes"`
	ContentBase64 string `json:"content_base64"`
}

// Email is the immutable unit of ingestion. Rows are written once at SMTP
// DATA time and only ever removed, never updated.
type Email struct {
	ID          string       `gorm:"primaryKey" json:"id"`
	To          string       `gorm:"column:to_address;index:idx_emails_to_ts,priority:1;not null" json:"to"`
	From        string       `gorm:"column:from_address" json:"from"`
	Subject     string       `gorm:"column:subject" json:"subject"`
	Body        string       `gorm:"column:body" json:"body"`
	Timestamp   time.Time    `gorm:"column:timestamp;index:idx_emails_to_ts,priority:2,sort:desc;index:idx_emails_ts" json:"timestamp"`
	Raw         []byte       `gorm:"column:raw" json:"raw,omitempty"`
	Attachments []Attachment `gorm:"column:attachments_json;serializer:json" json:"attachments"`
}

// Mailbox is the address-level access control row. It is persisted only
// when an address is claimed; an address without a row is open.
type Mailbox struct {
	Address      string    `gorm:"primaryKey" json:"address"`
	PasswordHash *string   `gorm:"column:password_hash" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IsLocked reports whether the mailbox requires a password.
func (m *Mailbox) IsLocked() bool {
	return m.PasswordHash != nil && *m.PasswordHash != ""
}

// Webhook is a per-mailbox delivery subscription.
type Webhook struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	MailboxAddress string    `gorm:"column:mailbox_address;index" json:"mailbox_address"`
	WebhookURL     string    `gorm:"column:webhook_url;not null" json:"webhook_url"`
	Events         []string  `gorm:"column:events_json;serializer:json" json:"events"`
	Enabled        bool      `gorm:"column:enabled" json:"enabled"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscribedTo reports whether the webhook wants the given event kind.
func (w *Webhook) SubscribedTo(kind string) bool {
	for _, ev := range w.Events {
		if ev == kind {
			return true
		}
	}
	return false
}

// User is a global API account, used only when AUTH_ENABLED is set.
type User struct {
	Email        string    `gorm:"primaryKey" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
