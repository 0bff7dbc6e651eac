package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider records every delivered request.
type fakeProvider struct {
	mu       sync.Mutex
	requests []*DeliveryRequest
	domains  []string
	calls    atomic.Int32

	// fail decides the error of a call; nil means success.
	fail func(call int, req *DeliveryRequest) error
}

func (p *fakeProvider) Deliver(ctx context.Context, domain string, req *DeliveryRequest) (*SendResult, error) {
	call := int(p.calls.Add(1))

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.domains = append(p.domains, domain)
	p.mu.Unlock()

	if p.fail != nil {
		if err := p.fail(call, req); err != nil {
			return nil, err
		}
	}
	return &SendResult{
		MessageID: fmt.Sprintf("<%s@%s>", req.ID, domain),
		Provider:  "fake",
		Timestamp: time.Now(),
	}, nil
}

func (p *fakeProvider) Placeholder(property string) string {
	return "{{" + property + "}}"
}

func (p *fakeProvider) ValidateConfig() error { return nil }

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) recorded() []*DeliveryRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DeliveryRequest(nil), p.requests...)
}

func newTestClient(t *testing.T, provider Provider, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		WithDeliveryProvider(provider),
		WithoutTracing(),
		WithoutMetrics(),
		WithLogger(zap.NewNop()),
	}
	client, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%03d@example.com", i)
	}
	return out
}

func testMessage(to []string) *Message {
	return &Message{
		From:      "News <news@mail.example.com>",
		To:        to,
		Subject:   "Spring sale",
		HTML:      `<h1>Sale</h1><p>See <a href="/shop">the shop</a>.</p>`,
		Authority: "https://example.com",
		Template:  "spring",
	}
}

func TestClient_SendSplitsIntoBatches(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	msg := testMessage(recipients(300))
	msg.CC = []string{"cc@example.com"}
	msg.BCC = []string{"bcc1@example.com", "bcc2@example.com"}

	result, err := client.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", result.Domain)
	assert.Equal(t, "fake", result.Provider)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.OK())
	assert.NoError(t, result.Err())

	assert.Len(t, result.Outcomes[0].Request.To, 250)
	assert.Len(t, result.Outcomes[1].Request.To, 50)
	assert.Equal(t, msg.To[:250], result.Outcomes[0].Request.To)
	assert.Equal(t, msg.To[250:], result.Outcomes[1].Request.To)

	for i, out := range result.Outcomes {
		assert.Equal(t, i, out.Index)
		assert.Equal(t, msg.CC, out.Request.CC)
		assert.Equal(t, msg.BCC, out.Request.BCC)
		assert.Equal(t, []string{"spring"}, out.Request.Tags)
		assert.Contains(t, out.Request.HTML, `href="https://example.com/shop"`)
		assert.Contains(t, out.Request.Text, "SALE")
		assert.Contains(t, out.Request.Text, "[https://example.com/shop]")
		require.NotNil(t, out.Result)
	}

	assert.Equal(t, int32(2), provider.calls.Load())
	for _, domain := range provider.domains {
		assert.Equal(t, "mail.example.com", domain)
	}
}

func TestClient_SendCustomBatchSize(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider, WithBatchSize(2), WithConcurrency(1))

	result, err := client.Send(context.Background(), testMessage(recipients(5)))
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 3)
	assert.Len(t, result.Outcomes[0].Request.To, 2)
	assert.Len(t, result.Outcomes[1].Request.To, 2)
	assert.Len(t, result.Outcomes[2].Request.To, 1)
}

func TestClient_SendNoRecipients(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	result, err := client.Send(context.Background(), testMessage(nil))
	require.NoError(t, err)

	assert.Equal(t, 0, result.Total)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestClient_SendMergeVariables(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider, WithBatchSize(2))

	msg := testMessage([]string{"a@example.com", "b@example.com", "c@example.com"})
	msg.BCC = []string{"audit@example.com"}
	msg.Provider.Merge = map[string]MergeRecord{
		Wildcard:            {"name": "friend", "plan": "basic"},
		"a@example.com":     {"name": "Ann"},
		"c@example.com":     {"plan": "pro"},
		"audit@example.com": {"name": "Audit"},
		"other@example.com": {"name": "Other"},
	}

	result, err := client.Send(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)

	first := result.Outcomes[0].Request.Variables
	assert.Equal(t, MergeRecord{"name": "Ann", "plan": "basic"}, first["a@example.com"])
	assert.NotContains(t, first, "b@example.com")
	assert.NotContains(t, first, "c@example.com")
	assert.NotContains(t, first, "other@example.com")
	assert.NotContains(t, first, Wildcard)
	assert.Equal(t, MergeRecord{"name": "Audit", "plan": "basic"}, first["audit@example.com"])

	second := result.Outcomes[1].Request.Variables
	assert.Equal(t, MergeRecord{"name": "friend", "plan": "pro"}, second["c@example.com"])
	assert.Contains(t, second, "audit@example.com")
	assert.NotContains(t, second, "a@example.com")

	// The caller's merge data is left untouched.
	assert.Equal(t, MergeRecord{"name": "Ann"}, msg.Provider.Merge["a@example.com"])
}

func TestClient_SendPartialFailure(t *testing.T) {
	provider := &fakeProvider{
		fail: func(_ int, req *DeliveryRequest) error {
			if req.To[0] == "user250@example.com" {
				return NewProviderError("fake", "rejected", "batch rejected")
			}
			return nil
		},
	}
	client := newTestClient(t, provider)

	result, err := client.Send(context.Background(), testMessage(recipients(600)))
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 3)
	assert.True(t, result.Outcomes[0].OK())
	assert.False(t, result.Outcomes[1].OK())
	assert.True(t, result.Outcomes[2].OK())

	assert.Len(t, result.Successful(), 2)
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.False(t, result.OK())

	var perr *ProviderError
	require.ErrorAs(t, result.Err(), &perr)
	assert.Equal(t, "rejected", perr.Code)
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestClient_SendProviderPanic(t *testing.T) {
	provider := &fakeProvider{
		fail: func(call int, _ *DeliveryRequest) error {
			panic("boom")
		},
	}
	client := newTestClient(t, provider)

	result, err := client.Send(context.Background(), testMessage(recipients(3)))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	require.Error(t, result.Outcomes[0].Err)
	assert.Contains(t, result.Outcomes[0].Err.Error(), "boom")
}

func TestClient_SendMissingCredential(t *testing.T) {
	client, err := New(DefaultConfig(),
		WithMailgun(""),
		WithoutTracing(),
		WithoutMetrics(),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Send(context.Background(), testMessage(recipients(3)))
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, "%recipient.name%", client.Placeholder("name"))
}

func TestClient_SendInvalidSender(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	msg := testMessage(recipients(3))
	msg.From = "not an address"

	result, err := client.Send(context.Background(), msg)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidEmail)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestClient_SendValidation(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	_, err := client.Send(context.Background(), nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message", verr.Field)

	msg := testMessage(recipients(1))
	msg.From = ""
	_, err = client.Send(context.Background(), msg)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "from", verr.Field)
	assert.Equal(t, int32(0), provider.calls.Load())
}

type failingInliner struct{}

func (failingInliner) Inline(context.Context, string, string) (string, error) {
	return "", errors.New("stylesheet unavailable")
}

func TestClient_SendRenderingFailure(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider, WithHTMLInliner(failingInliner{}))

	result, err := client.Send(context.Background(), testMessage(recipients(3)))
	assert.Nil(t, result)

	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageInline, rerr.Stage)
	assert.Contains(t, err.Error(), "stylesheet unavailable")
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestClient_SendBadImage(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	msg := testMessage(recipients(3))
	msg.Images = []Image{{Name: "logo", Data: "***not base64***", MIME: "image/png"}}

	_, err := client.Send(context.Background(), msg)
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageImages, rerr.Stage)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestClient_SendAttachmentsAndImages(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	msg := testMessage(recipients(2))
	msg.Header = &Image{Data: "aGVhZGVy", MIME: "image/png"}
	msg.Attachments = []Attachment{{Name: "terms.pdf", File: []byte("%PDF")}}
	msg.Provider.Tags = []string{"promo"}

	result, err := client.Send(context.Background(), msg)
	require.NoError(t, err)

	req := result.Outcomes[0].Request
	require.Len(t, req.Inline, 1)
	assert.Equal(t, []byte("header"), req.Inline[0].Bytes())
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "terms.pdf", req.Attachments[0].Filename)
	assert.Equal(t, []string{"spring", "promo"}, req.Tags)
}

func TestClient_SendContextCancelled(t *testing.T) {
	provider := &fakeProvider{
		fail: func(int, *DeliveryRequest) error { return context.Canceled },
	}
	client := newTestClient(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := client.Send(ctx, testMessage(recipients(3)))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	for _, out := range result.Outcomes {
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
}

func TestClient_Redeliver(t *testing.T) {
	var failures atomic.Int32
	provider := &fakeProvider{
		fail: func(_ int, req *DeliveryRequest) error {
			if req.To[0] == "user002@example.com" && failures.Add(1) <= 2 {
				return NewRetryableProviderError("fake", "unavailable", "try later")
			}
			return nil
		},
	}
	client := newTestClient(t, provider,
		WithBatchSize(2),
		WithRetry(3, time.Millisecond, 5*time.Millisecond, 2),
		WithJitter(false),
	)

	first, err := client.Send(context.Background(), testMessage(recipients(6)))
	require.NoError(t, err)
	require.Len(t, first.Failed(), 1)
	failedReq := first.Outcomes[1].Request

	second, err := client.Redeliver(context.Background(), first)
	require.NoError(t, err)

	assert.True(t, second.OK())
	require.Len(t, second.Outcomes, 3)
	assert.Same(t, first.Outcomes[0].Result, second.Outcomes[0].Result)
	assert.Same(t, failedReq, second.Outcomes[1].Request)
	assert.Equal(t, 1, second.Outcomes[1].Index)

	// The previous result is not modified.
	assert.Error(t, first.Outcomes[1].Err)

	// 3 initial calls, then two attempts for the failed batch.
	assert.Equal(t, int32(5), provider.calls.Load())
}

func TestClient_RedeliverPermanentFailure(t *testing.T) {
	provider := &fakeProvider{
		fail: func(int, *DeliveryRequest) error {
			return NewProviderError("fake", "invalid_domain", "domain not verified")
		},
	}
	client := newTestClient(t, provider, WithRetry(5, time.Millisecond, time.Millisecond, 2))

	first, err := client.Send(context.Background(), testMessage(recipients(1)))
	require.NoError(t, err)

	second, err := client.Redeliver(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, second.OK())

	// Non-retryable errors are attempted once.
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestClient_Placeholder(t *testing.T) {
	client := newTestClient(t, &fakeProvider{})
	assert.Equal(t, "{{first_name}}", client.Placeholder("first_name"))

	msg := testMessage(recipients(1))
	msg.Subject = "Hi " + client.Placeholder("first_name")
	result, err := client.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Outcomes[0].Request.Subject, "{{first_name}}"))
}

func TestClient_Closed(t *testing.T) {
	provider := &fakeProvider{}
	client := newTestClient(t, provider)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Send(context.Background(), testMessage(recipients(1)))
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = client.Redeliver(context.Background(), &BatchResult{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	provider := &fakeProvider{
		fail: func(int, *DeliveryRequest) error {
			return NewTemporaryProviderError("fake", "unavailable", "down")
		},
	}
	client := newTestClient(t, provider,
		WithBatchSize(1),
		WithConcurrency(1),
		WithCircuitBreaker(2, 1, time.Hour),
	)

	result, err := client.Send(context.Background(), testMessage(recipients(4)))
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 4)

	assert.Equal(t, int32(2), provider.calls.Load())
	assert.ErrorIs(t, result.Outcomes[2].Err, ErrCircuitBreakerOpen)
	assert.ErrorIs(t, result.Outcomes[3].Err, ErrCircuitBreakerOpen)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig(), WithBatchSize(0), WithLogger(zap.NewNop()))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(DefaultConfig(), WithProvider("carrier-pigeon", nil), WithLogger(zap.NewNop()))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNew_BuildsProvider(t *testing.T) {
	client, err := New(DefaultConfig(),
		WithSendGrid("SG.key"),
		WithoutTracing(),
		WithoutMetrics(),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "sendgrid", client.providerName())
	assert.Nil(t, client.credentialErr)
}
