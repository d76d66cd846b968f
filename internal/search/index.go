package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/meilisearch/meilisearch-go"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/supervisor"
)

// ErrUnauthorized is returned when the backend rejects the API key.
var ErrUnauthorized = errors.New("search: backend rejected credentials")

// Index receives documents.
type Index interface {
	Upsert(ctx context.Context, docs []Document) error
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search: backend returned %d: %s", e.Code, e.Body)
}

// MeiliIndex pushes documents to a Meilisearch index. Endpoint, key, index
// and timeout are read from settings on every call.
type MeiliIndex struct {
	settings func() config.SearchConfig
	client   *http.Client
}

// NewMeiliIndex creates an index client. A nil client uses a fresh
// http.Client; per-request timeouts come from the settings.
func NewMeiliIndex(settings func() config.SearchConfig, client *http.Client) *MeiliIndex {
	if client == nil {
		client = &http.Client{}
	}
	return &MeiliIndex{settings: settings, client: client}
}

// Upsert adds or replaces docs. Rejected credentials are reported as fatal
// so the supervisor does not retry them.
func (x *MeiliIndex) Upsert(ctx context.Context, docs []Document) error {
	cfg := x.settings()

	// restarts are the supervisor's job
	sm := meilisearch.New(cfg.URL,
		meilisearch.WithAPIKey(cfg.APIKey),
		meilisearch.WithCustomClient(x.client),
		meilisearch.DisableRetries(),
	)

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	_, err := sm.Index(cfg.Index).AddDocumentsWithContext(ctx, docs, "id")
	if err == nil {
		return nil
	}
	return classifyIndexError(err)
}

func classifyIndexError(err error) error {
	var me *meilisearch.Error
	if !errors.As(err, &me) || me.StatusCode == 0 {
		return fmt.Errorf("search: request failed: %w", err)
	}

	body := me.MeilisearchApiError.Message
	if body == "" {
		body = me.ResponseToString
	}
	se := &StatusError{Code: me.StatusCode, Body: strings.TrimSpace(body)}

	switch me.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return supervisor.Fatal(fmt.Errorf("%w: %w", ErrUnauthorized, se))
	default:
		return se
	}
}
