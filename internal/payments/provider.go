// Package payments creates provider payments for reserved orders and settles
// them from provider webhooks.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/safar/go-commerce-core/internal/models"
)

type EventType string

const (
	EventPaid    EventType = "paid"
	EventFailed  EventType = "failed"
	EventUnknown EventType = "unknown"
)

// Intent is what a provider returns when a payment is opened.
type Intent struct {
	ProviderReference string
	RedirectURL       string
	Payload           json.RawMessage
}

// WebhookEvent is a provider notification reduced to what settlement needs.
type WebhookEvent struct {
	Provider          string
	EventID           string
	ProviderReference string
	Type              EventType
	RawType           string
	RawPayload        json.RawMessage
}

type Provider interface {
	Code() string
	CreatePayment(ctx context.Context, order *models.Order) (*Intent, error)
	ParseWebhook(ctx context.Context, body []byte, headers http.Header) (*WebhookEvent, error)
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Code()]; dup {
			return nil, fmt.Errorf("payment provider %q registered twice", p.Code())
		}
		r.providers[p.Code()] = p
	}
	return r, nil
}

func (r *Registry) Get(code string) (Provider, error) {
	p, ok := r.providers[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProvider, code)
	}
	return p, nil
}

func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.providers))
	for code := range r.providers {
		codes = append(codes, code)
	}
	return codes
}
