package mailgun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/campaign/internal/core"
)

// Name identifies the Mailgun provider.
const Name = "mailgun"

// DefaultUsername is the basic auth user Mailgun expects for API keys.
const DefaultUsername = "api"

// APIBaseEU is the Mailgun API base for EU hosted domains.
const APIBaseEU = mailgun.APIBaseEU

// Provider implements core.Provider on the Mailgun messages API.
// One API client is kept per sending domain.
type Provider struct {
	settings   core.ProviderSettings
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]mailgun.Mailgun
}

// NewProvider creates a Mailgun provider. Recognized settings are api_key,
// username and base_url. A missing api_key yields an error wrapping
// core.ErrMissingCredential.
func NewProvider(settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error) {
	p := &Provider{
		settings: settings.Clone(),
		apiKey:   settings.Get("api_key"),
		baseURL:  settings.Get("base_url"),
		clients:  make(map[string]mailgun.Mailgun),
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	client := *base
	client.Transport = &authTransport{
		base:      base.Transport,
		userAgent: opts.UserAgent,
		username:  settings.GetDefault("username", DefaultUsername),
		apiKey:    p.apiKey,
	}
	p.httpClient = &client

	return p, nil
}

// Deliver sends one batch through the messages endpoint of domain.
// Every To recipient is added with its merge variables so that the batch is
// expanded into one message per recipient by Mailgun.
func (p *Provider) Deliver(ctx context.Context, domain string, req *core.DeliveryRequest) (*core.SendResult, error) {
	if len(req.To) == 0 {
		return nil, core.NewProviderError(Name, "no_recipients", "batch has no to recipients")
	}

	message := mailgun.NewMessage(req.From, req.Subject, req.Text)
	for _, addr := range req.To {
		vars := map[string]interface{}{}
		for k, v := range req.Variables[addr] {
			vars[k] = v
		}
		if err := message.AddRecipientAndVariables(addr, vars); err != nil {
			return nil, core.NewProviderError(Name, "recipient_add_failed",
				fmt.Sprintf("failed to add recipient %s: %v", addr, err)).WithCause(err)
		}
	}
	for _, addr := range req.CC {
		message.AddCC(addr)
	}
	for _, addr := range req.BCC {
		message.AddBCC(addr)
	}

	if req.HTML != "" {
		message.SetHTML(req.HTML)
	}
	if req.ReplyTo != "" {
		message.AddHeader("Reply-To", req.ReplyTo)
	}
	if len(req.Tags) > 0 {
		if err := message.AddTag(req.Tags...); err != nil {
			return nil, core.NewProviderError(Name, "invalid_tags", err.Error()).WithCause(err)
		}
	}
	message.SetTracking(req.Tracking.Enabled)
	message.SetTrackingClicks(req.Tracking.Clicks)
	message.SetTrackingOpens(req.Tracking.Opens)

	for _, f := range req.Attachments {
		message.AddBufferAttachment(f.Filename, f.Bytes())
	}
	for _, f := range req.Inline {
		message.AddReaderInline(f.Filename, f.Reader())
	}

	mes, id, err := p.client(domain).Send(ctx, message)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}

	return &core.SendResult{
		MessageID: id,
		Provider:  Name,
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"message": mes,
			"domain":  domain,
		},
	}, nil
}

// Placeholder returns the Mailgun recipient variable syntax for property.
func (p *Provider) Placeholder(property string) string {
	return core.RecipientPlaceholder(property)
}

// ValidateConfig validates the Mailgun provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.settings.Get("api_key") == "" {
		return core.NewMissingCredentialError("Mailgun", "api_key")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Name
}

func (p *Provider) client(domain string) mailgun.Mailgun {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mg, ok := p.clients[domain]; ok {
		return mg
	}
	mg := mailgun.NewMailgun(domain, p.apiKey)
	if p.baseURL != "" {
		mg.SetAPIBase(p.baseURL)
	}
	mg.SetClient(p.httpClient)
	p.clients[domain] = mg
	return mg
}

func (p *Provider) wrapError(ctx context.Context, err error) error {
	if status := mailgun.GetStatusFromErr(err); status > 0 {
		return core.NewStatusError(Name, status, err.Error()).WithCause(err)
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return core.NewProviderError(Name, "send_failed", err.Error()).WithCause(err)
	}
	return core.NewTemporaryProviderError(Name, "send_failed", err.Error()).WithCause(err)
}

// authTransport stamps the user agent and, for non-default usernames, the
// basic auth credentials on every API call.
type authTransport struct {
	base      http.RoundTripper
	userAgent string
	username  string
	apiKey    string
}

func (t *authTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	if t.userAgent != "" {
		r.Header.Set("User-Agent", t.userAgent)
	}
	if t.username != DefaultUsername {
		r.SetBasicAuth(t.username, t.apiKey)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
