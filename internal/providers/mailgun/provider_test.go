package mailgun

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/campaign/internal/core"
)

type capturedCall struct {
	path      string
	form      url.Values
	username  string
	userAgent string
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []capturedCall
	status int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/messages") {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, _, _ := r.BasicAuth()

	f.mu.Lock()
	f.calls = append(f.calls, capturedCall{path: r.URL.Path, form: r.Form, username: user, userAgent: r.UserAgent()})
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"rejected"}`))
		return
	}
	_, _ = w.Write([]byte(`{"id":"<20261019.1@mg.example.com>","message":"Queued. Thank you."}`))
}

func (f *fakeAPI) recorded() []capturedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedCall(nil), f.calls...)
}

func newTestProvider(t *testing.T, api *fakeAPI, settings core.ProviderSettings) core.Provider {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	settings = settings.Clone()
	settings.Set("base_url", srv.URL+"/v3")
	p, err := NewProvider(settings, core.ProviderOptions{HTTPClient: srv.Client(), UserAgent: "campaign-test/1.0"})
	require.NoError(t, err)
	return p
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	_, err := NewProvider(core.ProviderSettings{}, core.ProviderOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingCredential)
}

func TestProvider_Deliver(t *testing.T) {
	api := &fakeAPI{}
	p := newTestProvider(t, api, core.ProviderSettings{"api_key": "key-123"})

	req := &core.DeliveryRequest{
		ID:      "req-1",
		From:    "news@mg.example.com",
		To:      []string{"a@x.com", "b@x.com"},
		CC:      []string{"cc@x.com"},
		BCC:     []string{"bcc@x.com"},
		ReplyTo: "support@example.com",
		Subject: "Hello %recipient.name%",
		HTML:    "<p>hi</p>",
		Text:    "hi",
		Tags:    []string{"welcome", "spring"},
		Tracking: core.Tracking{
			Enabled: true,
			Opens:   true,
			Clicks:  true,
		},
		Variables: map[string]core.MergeRecord{"a@x.com": {"name": "Ann"}},
	}

	result, err := p.Deliver(context.Background(), "mg.example.com", req)
	require.NoError(t, err)
	assert.Equal(t, "<20261019.1@mg.example.com>", result.MessageID)
	assert.Equal(t, Name, result.Provider)

	calls := api.recorded()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Contains(t, call.path, "/mg.example.com/messages")
	assert.Equal(t, DefaultUsername, call.username)
	assert.Equal(t, "campaign-test/1.0", call.userAgent)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, call.form["to"])
	assert.Equal(t, []string{"cc@x.com"}, call.form["cc"])
	assert.Equal(t, []string{"bcc@x.com"}, call.form["bcc"])
	assert.Equal(t, "Hello %recipient.name%", call.form.Get("subject"))
	assert.Equal(t, "<p>hi</p>", call.form.Get("html"))
	assert.Equal(t, "support@example.com", call.form.Get("h:Reply-To"))
	assert.Equal(t, []string{"welcome", "spring"}, call.form["o:tag"])

	var vars map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(call.form.Get("recipient-variables")), &vars))
	assert.Equal(t, "Ann", vars["a@x.com"]["name"])
	assert.Empty(t, vars["b@x.com"])
}

func TestProvider_DeliverUsesCustomUsername(t *testing.T) {
	api := &fakeAPI{}
	p := newTestProvider(t, api, core.ProviderSettings{"api_key": "key-123", "username": "account"})

	_, err := p.Deliver(context.Background(), "mg.example.com", &core.DeliveryRequest{
		From: "news@mg.example.com", To: []string{"a@x.com"}, Subject: "Hi", Text: "hi",
	})
	require.NoError(t, err)
	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "account", calls[0].username)
}

func TestProvider_DeliverKeepsOneClientPerDomain(t *testing.T) {
	api := &fakeAPI{}
	p := newTestProvider(t, api, core.ProviderSettings{"api_key": "key-123"})
	req := &core.DeliveryRequest{From: "news@x.com", To: []string{"a@x.com"}, Subject: "Hi", Text: "hi"}

	for _, domain := range []string{"one.example.com", "two.example.com", "one.example.com"} {
		_, err := p.Deliver(context.Background(), domain, req)
		require.NoError(t, err)
	}

	calls := api.recorded()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0].path, "/one.example.com/")
	assert.Contains(t, calls[1].path, "/two.example.com/")
	assert.Len(t, p.(*Provider).clients, 2)
}

func TestProvider_DeliverClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "bad request", status: http.StatusBadRequest},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "server error", status: http.StatusBadGateway, retryable: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{status: tc.status}
			p := newTestProvider(t, api, core.ProviderSettings{"api_key": "key-123"})

			_, err := p.Deliver(context.Background(), "mg.example.com", &core.DeliveryRequest{
				From: "news@mg.example.com", To: []string{"a@x.com"}, Subject: "Hi", Text: "hi",
			})
			require.Error(t, err)

			var pe *core.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, tc.retryable, core.IsRetryable(err))
		})
	}
}

func TestProvider_Placeholder(t *testing.T) {
	p, err := NewProvider(core.ProviderSettings{"api_key": "key"}, core.ProviderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "%recipient.first_name%", p.Placeholder("first_name"))
}
