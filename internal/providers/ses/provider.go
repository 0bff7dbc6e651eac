package ses

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"

	"github.com/lattiq/campaign/internal/core"
)

// Name identifies the AWS SES provider.
const Name = "aws_ses"

// MaxDestinations is the SES limit of addresses per SendEmail call.
const MaxDestinations = 50

var tagNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Provider implements core.Provider on the SES SendEmail API.
// A batch is delivered as one message addressed to every recipient, so merge
// variables are not substituted.
type Provider struct {
	client   *ses.Client
	settings core.ProviderSettings
}

// NewProvider creates an SES provider. Recognized settings are region,
// access_key, secret_key, session_token, configuration_set and endpoint.
func NewProvider(settings core.ProviderSettings, opts core.ProviderOptions) (core.Provider, error) {
	p := &Provider{settings: settings.Clone()}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(settings.Get("region")),
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	if opts.UserAgent != "" {
		loadOpts = append(loadOpts, config.WithAPIOptions([]func(*middleware.Stack) error{
			awsmiddleware.AddUserAgentKey(opts.UserAgent),
		}))
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, core.NewProviderError(Name, "config_error", "failed to load AWS config: "+err.Error()).WithCause(err)
	}

	if accessKey := settings.Get("access_key"); accessKey != "" {
		secretKey := settings.Get("secret_key")
		sessionToken := settings.Get("session_token")
		cfg.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
				SessionToken:    sessionToken,
				Source:          "campaign",
			}, nil
		})
	}

	p.client = ses.NewFromConfig(cfg, func(o *ses.Options) {
		if endpoint := settings.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return p, nil
}

// Deliver sends one batch with a single SendEmail call.
func (p *Provider) Deliver(ctx context.Context, domain string, req *core.DeliveryRequest) (*core.SendResult, error) {
	input, err := buildInput(req, p.settings.Get("configuration_set"))
	if err != nil {
		return nil, err
	}

	output, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, wrapError(ctx, err)
	}

	return &core.SendResult{
		MessageID: aws.ToString(output.MessageId),
		Provider:  Name,
		Timestamp: time.Now(),
		Metadata: map[string]interface{}{
			"domain": domain,
		},
	}, nil
}

// Placeholder returns the recipient placeholder syntax for property.
func (p *Provider) Placeholder(property string) string {
	return core.RecipientPlaceholder(property)
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.settings.Get("region") == "" {
		return core.NewValidationError("region", "AWS region is required")
	}
	if p.settings.Get("access_key") != "" && p.settings.Get("secret_key") == "" {
		return core.NewMissingCredentialError("AWS SES", "secret_key")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return Name
}

func buildInput(req *core.DeliveryRequest, configurationSet string) (*ses.SendEmailInput, error) {
	if len(req.Attachments) > 0 || len(req.Inline) > 0 {
		return nil, core.NewProviderError(Name, "attachments_unsupported",
			"SendEmail does not accept attachments or inline images")
	}
	if n := req.TotalRecipients(); n > MaxDestinations {
		return nil, core.NewProviderError(Name, "too_many_recipients",
			fmt.Sprintf("%d recipients exceed the SES limit of %d per call", n, MaxDestinations))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses:  req.To,
			CcAddresses:  req.CC,
			BccAddresses: req.BCC,
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String("UTF-8")},
			Body:    &types.Body{},
		},
	}
	if req.Text != "" {
		input.Message.Body.Text = &types.Content{Data: aws.String(req.Text), Charset: aws.String("UTF-8")}
	}
	if req.HTML != "" {
		input.Message.Body.Html = &types.Content{Data: aws.String(req.HTML), Charset: aws.String("UTF-8")}
	}
	if req.ReplyTo != "" {
		input.ReplyToAddresses = []string{req.ReplyTo}
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}

	seen := make(map[string]bool, len(req.Tags))
	for _, tag := range req.Tags {
		name := tagNameInvalid.ReplaceAllString(tag, "_")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		input.Tags = append(input.Tags, types.MessageTag{Name: aws.String(name), Value: aws.String("true")})
	}

	return input, nil
}

func wrapError(ctx context.Context, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		pe := core.NewStatusError(Name, re.HTTPStatusCode(), err.Error()).WithCause(err)
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "Throttling" {
			pe.Code = "rate_limited"
			pe.IsRetryable, pe.IsTemporary = true, true
		}
		return pe
	}
	if ctx.Err() != nil {
		return core.NewProviderError(Name, "send_error", err.Error()).WithCause(err)
	}
	return core.NewTemporaryProviderError(Name, "send_error", err.Error()).WithCause(err)
}
