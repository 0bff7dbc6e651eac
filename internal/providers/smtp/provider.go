package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "gopkg.in/mail.v2"

	"github.com/lattiq/campaign/internal/core"
)

// Name identifies the SMTP provider.
const Name = "smtp"

// DefaultTimeout bounds the dial of the SMTP server.
const DefaultTimeout = 10 * time.Second

// Provider implements core.Provider over an SMTP relay.
// A batch is expanded locally into one message per To recipient with its merge
// variables substituted, and all messages share one connection.
type Provider struct {
	settings core.ProviderSettings
	dialer   *gomail.Dialer
}

// NewProvider creates an SMTP provider. Recognized settings are host, port,
// username, password, tls and tls_skip_verify.
func NewProvider(settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error) {
	p := &Provider{settings: settings.Clone()}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	host := settings.Get("host")
	port, _ := strconv.Atoi(settings.Get("port"))
	dialer := gomail.NewDialer(host, port, settings.Get("username"), settings.Get("password"))
	dialer.Timeout = DefaultTimeout
	if opts.HTTPClient != nil && opts.HTTPClient.Timeout > 0 {
		dialer.Timeout = opts.HTTPClient.Timeout
	}
	dialer.SSL = settings.Get("tls") == "true"
	dialer.TLSConfig = &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: settings.Get("tls_skip_verify") == "true",
	}
	p.dialer = dialer

	return p, nil
}

// Deliver expands req into per-recipient messages and sends them over a
// single SMTP session.
func (p *Provider) Deliver(ctx context.Context, domain string, req *core.DeliveryRequest) (*core.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewProviderError(Name, "send_error", err.Error()).WithCause(err)
	}

	batchID := req.ID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	messages, ids, err := buildMessages(req, batchID, domain)
	if err != nil {
		return nil, err
	}

	if err := p.dialer.DialAndSend(messages...); err != nil {
		return nil, core.NewTemporaryProviderError(Name, "send_error", "failed to send email: "+err.Error()).WithCause(err)
	}

	return &core.SendResult{
		MessageID: batchID,
		Provider:  Name,
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"domain":      domain,
			"message_ids": ids,
		},
	}, nil
}

// Placeholder returns the placeholder syntax substituted by this provider.
func (p *Provider) Placeholder(property string) string {
	return core.RecipientPlaceholder(property)
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.settings.Get("host") == "" {
		return core.NewValidationError("host", "SMTP host is required")
	}

	port := p.settings.Get("port")
	if port == "" {
		return core.NewValidationError("port", "SMTP port is required")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return core.NewValidationError("port", "invalid port number: "+port)
	}

	if p.settings.Get("username") != "" && p.settings.Get("password") == "" {
		return core.NewMissingCredentialError("SMTP", "password")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Name
}

func buildMessages(req *core.DeliveryRequest, batchID, domain string) ([]*gomail.Message, []string, error) {
	if len(req.To) == 0 {
		return nil, nil, core.NewProviderError(Name, "no_recipients", "batch has no to recipients")
	}

	messages := make([]*gomail.Message, 0, len(req.To))
	ids := make([]string, 0, len(req.To))
	for i, to := range req.To {
		sub := substituter(req.Variables[to])
		id := fmt.Sprintf("<%s.%d@%s>", batchID, i, domain)

		m := gomail.NewMessage()
		m.SetHeader("From", req.From)
		m.SetHeader("To", to)
		if i == 0 {
			if len(req.CC) > 0 {
				m.SetHeader("Cc", req.CC...)
			}
			if len(req.BCC) > 0 {
				m.SetHeader("Bcc", req.BCC...)
			}
		}
		if req.ReplyTo != "" {
			m.SetHeader("Reply-To", req.ReplyTo)
		}
		m.SetHeader("Subject", sub.Replace(req.Subject))
		m.SetHeader("Message-ID", id)
		if len(req.Tags) > 0 {
			m.SetHeader("X-Campaign-Tags", strings.Join(req.Tags, ", "))
		}

		text, html := sub.Replace(req.Text), sub.Replace(req.HTML)
		switch {
		case text != "" && html != "":
			m.SetBody("text/plain", text)
			m.AddAlternative("text/html", html)
		case html != "":
			m.SetBody("text/html", html)
		default:
			m.SetBody("text/plain", text)
		}

		for _, f := range req.Attachments {
			m.Attach(f.Filename, fileSettings(f)...)
		}
		for _, f := range req.Inline {
			m.Embed(f.Filename, fileSettings(f)...)
		}

		messages = append(messages, m)
		ids = append(ids, id)
	}
	return messages, ids, nil
}

func fileSettings(f core.File) []gomail.FileSetting {
	settings := []gomail.FileSetting{
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := f.WriteTo(w)
			return err
		}),
	}
	if f.ContentType != "" {
		settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {f.ContentType}}))
	}
	return settings
}

func substituter(vars core.MergeRecord) *strings.Replacer {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, core.RecipientPlaceholder(k), fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...)
}
