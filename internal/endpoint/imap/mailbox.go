package imap

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"time"

	imap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"

	"github.com/themadorg/tempmail/internal/db"
)

// mailbox is the INBOX view over one address. Messages are re-read from
// the store on every operation; sequence numbers and UIDs are the 1-based
// position in (timestamp ASC, id ASC) order.
type mailbox struct {
	user *user
}

func (m *mailbox) Name() string {
	return "INBOX"
}

func (m *mailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  "/",
		Name:       "INBOX",
	}, nil
}

// uidValidity is derived from the address alone so it survives restarts.
func (m *mailbox) uidValidity() uint32 {
	h := fnv.New32a()
	h.Write([]byte(m.user.addr))
	v := h.Sum32()
	if v == 0 {
		v = 1
	}
	return v
}

func (m *mailbox) emails() ([]db.Email, error) {
	return m.user.backend.store.ListByAddressAsc(m.user.addr)
}

func (m *mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	emails, err := m.emails()
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus("INBOX", items)
	status.Flags = []string{}
	status.PermanentFlags = []string{}
	status.UnseenSeqNum = 0

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(emails))
		case imap.StatusUidNext:
			status.UidNext = uint32(len(emails) + 1)
		case imap.StatusUidValidity:
			status.UidValidity = m.uidValidity()
		case imap.StatusRecent:
			status.Recent = 0
		case imap.StatusUnseen:
			status.Unseen = 0
		}
	}
	return status, nil
}

func (m *mailbox) SetSubscribed(bool) error {
	return nil
}

func (m *mailbox) Check() error {
	return nil
}

func (m *mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	emails, err := m.emails()
	if err != nil {
		return err
	}

	for i := range emails {
		email := &emails[i]
		seqNum := uint32(i + 1)
		id := seqNum
		if !seqSet.Contains(id) {
			continue
		}

		msg, err := m.fetch(email, seqNum, items)
		if err != nil {
			m.user.backend.log.WithError(err).WithField("id", email.ID).Error("fetch failed")
			continue
		}
		ch <- msg
	}
	return nil
}

func (m *mailbox) fetch(email *db.Email, seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	rendered := render(email)
	msg := imap.NewMessage(seqNum, items)

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			ent, err := message.Read(bytes.NewReader(rendered))
			if err != nil {
				return nil, err
			}
			env, err := backendutil.FetchEnvelope(ent.Header.Header)
			if err != nil {
				return nil, err
			}
			msg.Envelope = env
		case imap.FetchBody, imap.FetchBodyStructure:
			ent, err := message.Read(bytes.NewReader(rendered))
			if err != nil {
				return nil, err
			}
			bs, err := backendutil.FetchBodyStructure(ent.Header.Header, ent.Body, item == imap.FetchBodyStructure)
			if err != nil {
				return nil, err
			}
			msg.BodyStructure = bs
		case imap.FetchFlags:
			msg.Flags = []string{}
		case imap.FetchInternalDate:
			msg.InternalDate = internalDate(email.Timestamp)
		case imap.FetchRFC822Size:
			msg.Size = uint32(len(rendered))
		case imap.FetchUid:
			msg.Uid = seqNum
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			ent, err := message.Read(bytes.NewReader(rendered))
			if err != nil {
				return nil, err
			}
			literal, err := backendutil.FetchBodySection(ent.Header.Header, ent.Body, section)
			if err != nil {
				return nil, err
			}
			msg.Body[section] = literal
		}
	}
	return msg, nil
}

func (m *mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	emails, err := m.emails()
	if err != nil {
		return nil, err
	}

	var matches []uint32
	for i := range emails {
		email := &emails[i]
		seqNum := uint32(i + 1)

		ent, err := message.Read(bytes.NewReader(render(email)))
		if err != nil {
			continue
		}
		ok, err := backendutil.Match(ent, seqNum, seqNum, internalDate(email.Timestamp), []string{}, criteria)
		if err != nil || !ok {
			continue
		}
		matches = append(matches, seqNum)
	}
	return matches, nil
}

func (m *mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	return fmt.Errorf("mail is delivered over SMTP only")
}

// UpdateMessagesFlags accepts and discards flag changes; the mailbox
// advertises no permanent flags, so clients marking \Seen get a polite
// no-op instead of an error.
func (m *mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	return nil
}

func (m *mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return fmt.Errorf("only INBOX exists")
}

func (m *mailbox) Expunge() error {
	return nil
}

// render produces the RFC 822 bytes served to clients: the raw DATA
// payload when it was kept, otherwise headers synthesized from the
// stored fields.
func render(email *db.Email) []byte {
	if len(email.Raw) > 0 {
		return email.Raw
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", email.From)
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", email.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", email.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: <%s@tempmail>\r\n", email.ID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.Body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
