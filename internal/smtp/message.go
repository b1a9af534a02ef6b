package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/google/uuid"
)

// Exchange is one request/reply step of a session: the lines received since
// the previous reply and the reply that followed them.
type Exchange struct {
	Received []string
	Reply    string
}

// Message is a mail transaction accepted by the engine. It is not modified
// after it has been handed to the sink.
type Message struct {
	ID         string
	From       string
	Recipients []string
	Raw        []byte
	// Secure is true when the message arrived over TLS.
	Secure     bool
	Exchanges  []Exchange
	ReceivedAt time.Time
}

// Attachment is a MIME part with an attachment disposition or a filename.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

func newMessage(from string, recipients []string, raw []byte, secure bool, exchanges []Exchange) *Message {
	return &Message{
		ID:         uuid.NewString(),
		From:       from,
		Recipients: append([]string(nil), recipients...),
		Raw:        raw,
		Secure:     secure,
		Exchanges:  append([]Exchange(nil), exchanges...),
		ReceivedAt: time.Now(),
	}
}

func (m *Message) parse() (*mail.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(m.Raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", m.ID, err)
	}
	return msg, nil
}

// Header returns the RFC 5322 header block.
func (m *Message) Header() (mail.Header, error) {
	msg, err := m.parse()
	if err != nil {
		return nil, err
	}
	return msg.Header, nil
}

// Subject returns the decoded Subject header, or "" when it is missing.
func (m *Message) Subject() string {
	header, err := m.Header()
	if err != nil {
		return ""
	}
	subject := header.Get("Subject")
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject)
	if err != nil {
		return subject
	}
	return decoded
}

// HeaderFrom returns the addresses of the From header.
func (m *Message) HeaderFrom() ([]*mail.Address, error) {
	header, err := m.Header()
	if err != nil {
		return nil, err
	}
	return header.AddressList("From")
}

// HeaderRecipients returns the To and Cc addresses. Missing headers are
// skipped.
func (m *Message) HeaderRecipients() ([]*mail.Address, error) {
	header, err := m.Header()
	if err != nil {
		return nil, err
	}
	var out []*mail.Address
	for _, key := range []string{"To", "Cc"} {
		list, err := header.AddressList(key)
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s header: %w", key, err)
		}
		out = append(out, list...)
	}
	return out, nil
}

// Date returns the parsed Date header.
func (m *Message) Date() (time.Time, error) {
	header, err := m.Header()
	if err != nil {
		return time.Time{}, err
	}
	return header.Date()
}

// Body returns the decoded text of the message. For multipart messages the
// non-attachment parts are joined with CRLF.
func (m *Message) Body() (string, error) {
	msg, err := m.parse()
	if err != nil {
		return "", err
	}
	var texts []string
	err = walkParts(textproto.MIMEHeader(msg.Header), msg.Body, func(p mimePart) {
		if !p.attachment() {
			texts = append(texts, string(p.data))
		}
	})
	if err != nil {
		return "", err
	}
	return strings.Join(texts, "\r\n"), nil
}

// Attachments returns every attachment part in document order.
func (m *Message) Attachments() ([]Attachment, error) {
	msg, err := m.parse()
	if err != nil {
		return nil, err
	}
	var out []Attachment
	err = walkParts(textproto.MIMEHeader(msg.Header), msg.Body, func(p mimePart) {
		if p.attachment() {
			out = append(out, Attachment{
				Filename:    p.filename,
				ContentType: p.mediaType,
				Data:        p.data,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyDKIM checks every DKIM-Signature of the message. lookupTXT resolves
// the selector records, so no DNS is involved.
func (m *Message) VerifyDKIM(lookupTXT func(domain string) ([]string, error)) ([]*dkim.Verification, error) {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(m.Raw), &dkim.VerifyOptions{
		LookupTXT: lookupTXT,
	})
	if err != nil {
		return nil, fmt.Errorf("verifying DKIM signatures: %w", err)
	}
	return verifications, nil
}

type mimePart struct {
	mediaType   string
	disposition string
	filename    string
	data        []byte
}

func (p mimePart) attachment() bool {
	return p.disposition == "attachment" || p.filename != ""
}

// walkParts calls fn for every leaf part below header/body, descending into
// nested multiparts.
func walkParts(header textproto.MIMEHeader, body io.Reader, fn func(mimePart)) error {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		reader := multipart.NewReader(body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading MIME part: %w", err)
			}
			if err := walkParts(part.Header, part, fn); err != nil {
				return err
			}
		}
	}

	data, err := decodeTransfer(header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return err
	}
	p := mimePart{mediaType: mediaType, data: data, filename: params["name"]}
	if disposition, dparams, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil {
		p.disposition = disposition
		if dparams["filename"] != "" {
			p.filename = dparams["filename"]
		}
	}
	fn(p)
	return nil
}

// decodeTransfer undoes a Content-Transfer-Encoding. multipart.Reader has
// already removed quoted-printable from parts, which then carry no header.
func decodeTransfer(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(raw))
		data, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 part: %w", err)
		}
		return data, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}
