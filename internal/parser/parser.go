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

// Package parser turns raw SMTP DATA payloads into the stored email
// shape: decoded subject, a best-effort text body and the attachment
// list. Charset handling comes from go-message.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	// Registers decoders for non-UTF-8 charsets.
	_ "github.com/emersion/go-message/charset"

	"github.com/themadorg/tempmail/internal/db"
)

// Parsed is the protocol-independent view of one received message.
type Parsed struct {
	From        string
	Subject     string
	Body        string
	Attachments []db.Attachment
}

// Parse decodes the raw message. It never fails on malformed MIME: the
// fallback is treating the whole payload as an unstructured text body so
// that no accepted DATA block is ever lost.
func Parse(raw []byte) *Parsed {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if mr == nil {
			return fallback(raw)
		}
		// Header parsed, body is broken; keep what we have.
	}

	p := &Parsed{}
	if subj, err := mr.Header.Subject(); err == nil {
		p.Subject = subj
	} else {
		p.Subject = mr.Header.Get("Subject")
	}
	if froms, err := mr.Header.AddressList("From"); err == nil && len(froms) > 0 {
		p.From = froms[0].Address
	} else {
		p.From = mr.Header.Get("From")
	}

	var plain, html, other []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever parts decoded before the error.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "text/plain" || ct == "":
				plain = append(plain, string(body))
			case ct == "text/html":
				html = append(html, string(body))
			case strings.HasPrefix(ct, "text/"):
				other = append(other, string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			p.Attachments = append(p.Attachments, db.Attachment{
				Filename:      filename,
				ContentType:   ct,
				SizeBytes:     len(content),
				ContentBase64: base64.StdEncoding.EncodeToString(content),
			})
		}
	}

	// Preference order: text/plain, then text/html, then any other text
	// parts concatenated.
	switch {
	case len(plain) > 0:
		p.Body = strings.Join(plain, "\n")
	case len(html) > 0:
		p.Body = strings.Join(html, "\n")
	default:
		p.Body = strings.Join(other, "\n")
	}
	p.Body = strings.TrimRight(p.Body, "\r\n")
	return p
}

// fallback handles payloads go-message rejects outright: split at the
// first blank line and store the tail as the body.
func fallback(raw []byte) *Parsed {
	text := string(raw)
	p := &Parsed{}
	if _, body, ok := strings.Cut(text, "\r\n\r\n"); ok {
		p.Body = strings.TrimRight(body, "\r\n")
	} else if _, body, ok := strings.Cut(text, "\n\n"); ok {
		p.Body = strings.TrimRight(body, "\n")
	} else {
		p.Body = text
	}
	return p
}
