// Package providers constructs the delivery backends by type name.
package providers

import (
	"github.com/lattiq/campaign/internal/core"
	"github.com/lattiq/campaign/internal/providers/mailgun"
	"github.com/lattiq/campaign/internal/providers/sendgrid"
	"github.com/lattiq/campaign/internal/providers/ses"
	"github.com/lattiq/campaign/internal/providers/smtp"
)

// Supported provider types.
const (
	Mailgun  = mailgun.Name
	SendGrid = sendgrid.Name
	SES      = ses.Name
	SMTP     = smtp.Name
)

// Constructor builds a provider from its settings.
type Constructor func(settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error)

var constructors = map[string]Constructor{
	Mailgun:  mailgun.NewProvider,
	SendGrid: sendgrid.NewProvider,
	SES:      ses.NewProvider,
	SMTP:     smtp.NewProvider,
}

// New creates the provider registered under kind.
func New(kind string, settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, core.NewValidationErrorWithValue("provider.type", "unsupported provider type", kind)
	}
	if settings == nil {
		settings = core.ProviderSettings{}
	}
	return ctor(settings, opts)
}

// Supported reports whether kind names a known provider.
func Supported(kind string) bool {
	_, ok := constructors[kind]
	return ok
}
