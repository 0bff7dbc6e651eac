package ses

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/campaign/internal/core"
)

func TestBuildInput(t *testing.T) {
	req := &core.DeliveryRequest{
		From:    "news@example.com",
		To:      []string{"a@x.com", "b@x.com"},
		CC:      []string{"cc@x.com"},
		BCC:     []string{"bcc@x.com"},
		ReplyTo: "support@example.com",
		Subject: "Spring sale",
		HTML:    "<p>hi</p>",
		Text:    "hi",
		Tags:    []string{"welcome", "spring sale", "spring_sale"},
	}

	input, err := buildInput(req, "marketing")
	require.NoError(t, err)

	assert.Equal(t, "news@example.com", aws.ToString(input.Source))
	assert.Equal(t, req.To, input.Destination.ToAddresses)
	assert.Equal(t, req.CC, input.Destination.CcAddresses)
	assert.Equal(t, req.BCC, input.Destination.BccAddresses)
	assert.Equal(t, []string{"support@example.com"}, input.ReplyToAddresses)
	assert.Equal(t, "marketing", aws.ToString(input.ConfigurationSetName))
	assert.Equal(t, "Spring sale", aws.ToString(input.Message.Subject.Data))
	assert.Equal(t, "<p>hi</p>", aws.ToString(input.Message.Body.Html.Data))
	assert.Equal(t, "hi", aws.ToString(input.Message.Body.Text.Data))

	require.Len(t, input.Tags, 2)
	assert.Equal(t, "welcome", aws.ToString(input.Tags[0].Name))
	assert.Equal(t, "spring_sale", aws.ToString(input.Tags[1].Name))
}

func TestBuildInput_Rejects(t *testing.T) {
	many := make([]string, MaxDestinations+1)
	for i := range many {
		many[i] = fmt.Sprintf("user%d@x.com", i)
	}

	tests := []struct {
		name string
		req  *core.DeliveryRequest
		code string
	}{
		{
			name: "attachments",
			req: &core.DeliveryRequest{
				From:        "news@example.com",
				To:          []string{"a@x.com"},
				Attachments: []core.File{core.NewFile("a.txt", "text/plain", []byte("a"))},
			},
			code: "attachments_unsupported",
		},
		{
			name: "too many recipients",
			req:  &core.DeliveryRequest{From: "news@example.com", To: many},
			code: "too_many_recipients",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildInput(tc.req, "")
			var pe *core.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.code, pe.Code)
			assert.False(t, core.IsRetryable(err))
		})
	}
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(core.ProviderSettings{}, core.ProviderOptions{})
	assert.True(t, errors.Is(err, &core.ValidationError{}))

	_, err = NewProvider(core.ProviderSettings{"region": "us-east-1", "access_key": "AKIA"}, core.ProviderOptions{})
	assert.ErrorIs(t, err, core.ErrMissingCredential)
}

func TestWrapError_NetworkFailureIsTemporary(t *testing.T) {
	err := wrapError(context.Background(), errors.New("connection reset"))
	assert.True(t, core.IsTemporary(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = wrapError(ctx, context.Canceled)
	assert.False(t, core.IsRetryable(err))
}
