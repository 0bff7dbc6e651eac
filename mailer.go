package campaign

import (
	"context"

	"github.com/lattiq/campaign/internal/core"
	"github.com/lattiq/campaign/internal/render"
)

// Type aliases re-exporting the core types of the public API.
type (
	Message          = core.Message
	ProviderData     = core.ProviderData
	Image            = core.Image
	Attachment       = core.Attachment
	MergeRecord      = core.MergeRecord
	File             = core.File
	DeliveryRequest  = core.DeliveryRequest
	SendResult       = core.SendResult
	Outcome          = core.Outcome
	BatchResult      = core.BatchResult
	BatchFailure     = core.BatchFailure
	BatchError       = core.BatchError
	BatchItemError   = core.BatchItemError
	ValidationError  = core.ValidationError
	ProviderError    = core.ProviderError
	Provider         = core.Provider
	ProviderSettings = core.ProviderSettings
	TextOptions      = render.TextOptions
)

// Wildcard is the merge data key whose record supplies defaults to every
// recipient that has a record of its own.
const Wildcard = core.Wildcard

// HeaderImageName is the content id of the header image.
const HeaderImageName = core.HeaderImageName

// Public interfaces of the campaign library.
type (
	// Sender delivers campaign messages in batches.
	// All methods are safe for concurrent use.
	Sender interface {
		// Send splits the message into batches and delivers every batch.
		// Fatal problems (missing credential, bad sender address, rendering
		// failure) are returned as an error before anything is sent. Batch
		// failures are reported in the result.
		Send(ctx context.Context, msg *Message) (*BatchResult, error)

		// Redeliver retries the failed batches of a previous result.
		Redeliver(ctx context.Context, result *BatchResult) (*BatchResult, error)

		// Placeholder returns the syntax referencing a merge variable.
		Placeholder(property string) string

		// Close releases resources. The sender must not be used afterwards.
		Close() error
	}

	// HTMLInliner prepares the HTML body against the message authority.
	HTMLInliner interface {
		Inline(ctx context.Context, html, authority string) (string, error)
	}

	// TextConverter infers the plain-text body from the prepared HTML.
	TextConverter interface {
		Convert(html string, opts TextOptions) (string, error)
	}
)

// Helpers re-exported from the core package.
var (
	NewValidationError          = core.NewValidationError
	NewValidationErrorWithValue = core.NewValidationErrorWithValue
	NewProviderError            = core.NewProviderError
	NewRetryableProviderError   = core.NewRetryableProviderError
	NewTemporaryProviderError   = core.NewTemporaryProviderError
	NewFile                     = core.NewFile
	IsRetryable                 = core.IsRetryable
	IsTemporary                 = core.IsTemporary
	GetRetryAfter               = core.GetRetryAfter
)

var _ Sender = (*Client)(nil)
