package sendgrid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/campaign/internal/core"
)

// Name identifies the SendGrid provider.
const Name = "sendgrid"

// DefaultHost is the SendGrid v3 API host.
const DefaultHost = "https://api.sendgrid.com"

const sendEndpoint = "/v3/mail/send"

// Provider implements core.Provider on the SendGrid v3 mail send API.
type Provider struct {
	settings  core.ProviderSettings
	apiKey    string
	host      string
	userAgent string
	client    *rest.Client
}

// NewProvider creates a SendGrid provider. Recognized settings are api_key and
// base_url.
func NewProvider(settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error) {
	p := &Provider{
		settings:  settings.Clone(),
		apiKey:    settings.Get("api_key"),
		host:      settings.GetDefault("base_url", DefaultHost),
		userAgent: opts.UserAgent,
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	p.client = &rest.Client{HTTPClient: httpClient}

	return p, nil
}

// Deliver sends one batch as a single mail send call with one personalization
// per To recipient.
func (p *Provider) Deliver(ctx context.Context, domain string, req *core.DeliveryRequest) (*core.SendResult, error) {
	message, err := buildMessage(req)
	if err != nil {
		return nil, err
	}

	request := sendgrid.GetRequest(p.apiKey, sendEndpoint, p.host)
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(message)
	if p.userAgent != "" {
		request.Headers["User-Agent"] = p.userAgent
	}

	response, err := p.client.SendWithContext(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewProviderError(Name, "send_failed", err.Error()).WithCause(err)
		}
		return nil, core.NewTemporaryProviderError(Name, "send_failed", err.Error()).WithCause(err)
	}
	if response.StatusCode >= 400 {
		return nil, core.NewStatusError(Name, response.StatusCode, "SendGrid API error: "+response.Body)
	}

	messageID := "unknown"
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}

	return &core.SendResult{
		MessageID: messageID,
		Provider:  Name,
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"domain":      domain,
			"status_code": response.StatusCode,
		},
	}, nil
}

// Placeholder returns the substitution key used for property.
func (p *Provider) Placeholder(property string) string {
	return core.RecipientPlaceholder(property)
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.settings.Get("api_key") == "" {
		return core.NewMissingCredentialError("SendGrid", "api_key")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Name
}

// buildMessage translates req into a v3 mail body. Merge variables become
// per-personalization substitutions keyed by the recipient placeholder. CC and
// BCC ride on the first personalization only.
func buildMessage(req *core.DeliveryRequest) (*mail.SGMailV3, error) {
	if len(req.To) == 0 {
		return nil, core.NewProviderError(Name, "no_recipients", "batch has no to recipients")
	}

	from, err := parseEmail("from", req.From)
	if err != nil {
		return nil, err
	}

	m := mail.NewV3Mail()
	m.SetFrom(from)
	m.Subject = req.Subject

	if req.Text != "" {
		m.AddContent(mail.NewContent("text/plain", req.Text))
	}
	if req.HTML != "" {
		m.AddContent(mail.NewContent("text/html", req.HTML))
	}
	if req.ReplyTo != "" {
		replyTo, err := parseEmail("reply_to", req.ReplyTo)
		if err != nil {
			return nil, err
		}
		m.SetReplyTo(replyTo)
	}

	for i, addr := range req.To {
		to, err := parseEmail("to", addr)
		if err != nil {
			return nil, err
		}
		pers := mail.NewPersonalization()
		pers.AddTos(to)

		if i == 0 {
			for _, cc := range req.CC {
				e, err := parseEmail("cc", cc)
				if err != nil {
					return nil, err
				}
				pers.AddCCs(e)
			}
			for _, bcc := range req.BCC {
				e, err := parseEmail("bcc", bcc)
				if err != nil {
					return nil, err
				}
				pers.AddBCCs(e)
			}
		}

		for k, v := range req.Variables[addr] {
			pers.SetSubstitution(core.RecipientPlaceholder(k), fmt.Sprint(v))
		}
		m.AddPersonalizations(pers)
	}

	if len(req.Tags) > 0 {
		m.AddCategories(req.Tags...)
	}

	tracking := mail.NewTrackingSettings()
	tracking.SetClickTracking(mail.NewClickTrackingSetting().SetEnable(req.Tracking.Enabled && req.Tracking.Clicks))
	tracking.SetOpenTracking(mail.NewOpenTrackingSetting().SetEnable(req.Tracking.Enabled && req.Tracking.Opens))
	m.SetTrackingSettings(tracking)

	for _, f := range req.Attachments {
		m.AddAttachment(attachment(f, "attachment"))
	}
	for _, f := range req.Inline {
		m.AddAttachment(attachment(f, "inline").SetContentID(f.Filename))
	}

	return m, nil
}

func attachment(f core.File, disposition string) *mail.Attachment {
	a := mail.NewAttachment()
	a.SetContent(f.Base64())
	a.SetFilename(f.Filename)
	a.SetDisposition(disposition)
	if f.ContentType != "" {
		a.SetType(f.ContentType)
	}
	return a
}

func parseEmail(field, addr string) (*mail.Email, error) {
	e, err := mail.ParseEmail(addr)
	if err != nil {
		return nil, core.NewProviderError(Name, "invalid_address",
			fmt.Sprintf("invalid %s address %q", field, addr)).WithCause(err)
	}
	return e, nil
}
