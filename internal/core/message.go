package core

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/mail"
	"strings"
)

// Message is a rendered campaign message ready to be dispatched.
// JSON field names follow the campaign model produced by the rendering layer.
type Message struct {
	From        string       `json:"from"`              // Sender address, "Name <addr>" allowed
	To          []string     `json:"to"`                // Primary recipients, batched
	CC          []string     `json:"cc,omitempty"`      // Sent in full with every batch
	BCC         []string     `json:"bcc,omitempty"`     // Sent in full with every batch
	ReplyTo     string       `json:"replyTo,omitempty"` // Optional Reply-To header
	Subject     string       `json:"subject"`           // Email subject
	HTML        string       `json:"html"`              // Rendered HTML body
	Authority   string       `json:"authority"`         // Base URL for relative links and images
	Template    string       `json:"_template"`         // Template identifier, used as the first tag
	Header      *Image       `json:"_header,omitempty"` // Pre-rendered header image
	Images      []Image      `json:"images,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Provider    ProviderData `json:"provider"`
}

// ProviderData carries provider specific options of a message.
type ProviderData struct {
	// Tags are appended after the template tag.
	Tags []string `json:"tags,omitempty"`

	// Merge maps recipient addresses to their merge records.
	// The Wildcard key holds defaults for recipients that have a record.
	Merge map[string]MergeRecord `json:"merge,omitempty"`
}

// Image is an inline image with base64 encoded data.
type Image struct {
	Name string `json:"name"`
	Data string `json:"data"`
	MIME string `json:"mime"`
}

// Attachment is a file attached to every batch of a message.
type Attachment struct {
	Name string `json:"name"`
	File []byte `json:"file"`
}

// HeaderImageName is the inline name of the pre-rendered header image.
const HeaderImageName = "_header"

// Validate checks that the message can be dispatched.
// An empty To list is valid and yields no batches.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return &ValidationError{Field: "from", Message: "sender address is required"}
	}

	roles := make(map[string]string, m.TotalRecipients())
	for _, group := range []struct {
		name  string
		addrs []string
	}{{"to", m.To}, {"cc", m.CC}, {"bcc", m.BCC}} {
		for i, addr := range group.addrs {
			if strings.TrimSpace(addr) == "" {
				return &ValidationError{
					Field:   group.name,
					Message: fmt.Sprintf("empty recipient address at index %d", i),
				}
			}
			if prev, ok := roles[addr]; ok && prev != group.name {
				return &ValidationError{
					Field:   group.name,
					Message: "recipient already listed in " + prev,
					Value:   addr,
				}
			}
			roles[addr] = group.name
		}
	}

	return nil
}

// TotalRecipients returns the total number of recipients (To + CC + BCC).
func (m *Message) TotalRecipients() int {
	return len(m.To) + len(m.CC) + len(m.BCC)
}

// SenderDomain extracts the domain of the From address.
func (m *Message) SenderDomain() (string, error) {
	addr, err := mail.ParseAddress(m.From)
	if err != nil {
		return "", fmt.Errorf("%w: parse sender %q: %v", ErrInvalidEmail, m.From, err)
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("%w: sender %q has no domain", ErrInvalidEmail, m.From)
	}
	return strings.ToLower(addr.Address[at+1:]), nil
}

// InlineFiles decodes the inline images of the message. The header image, when
// present, comes first.
func (m *Message) InlineFiles() ([]File, error) {
	images := make([]Image, 0, len(m.Images)+1)
	if m.Header != nil {
		images = append(images, Image{
			Name: HeaderImageName,
			Data: m.Header.Data,
			MIME: m.Header.MIME,
		})
	}
	images = append(images, m.Images...)

	files := make([]File, 0, len(images))
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image %q: %w", img.Name, err)
		}
		files = append(files, NewFile(img.Name, img.MIME, data))
	}
	return files, nil
}

// AttachmentFiles returns the attachments as immutable file descriptors.
func (m *Message) AttachmentFiles() []File {
	files := make([]File, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		files = append(files, NewFile(a.Name, "", a.File))
	}
	return files
}

// File is an immutable binary descriptor shared by every batch request.
// Reads never consume the underlying buffer.
type File struct {
	Filename    string
	ContentType string
	data        []byte
}

// NewFile copies data into a new File.
func NewFile(filename, contentType string, data []byte) File {
	return File{
		Filename:    filename,
		ContentType: contentType,
		data:        bytes.Clone(data),
	}
}

// Size returns the length of the file content in bytes.
func (f File) Size() int {
	return len(f.data)
}

// Bytes returns a copy of the file content.
func (f File) Bytes() []byte {
	return bytes.Clone(f.data)
}

// Reader returns a fresh reader over the file content.
func (f File) Reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(f.data))
}

// WriteTo writes the file content to w.
func (f File) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.data)
	return int64(n), err
}

// Base64 returns the standard base64 encoding of the content.
func (f File) Base64() string {
	return base64.StdEncoding.EncodeToString(f.data)
}
