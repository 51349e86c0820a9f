package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/safar/go-commerce-core/internal/config"
	"github.com/safar/go-commerce-core/internal/models"
	"go.uber.org/zap"
)

const StripeCode = "stripe"

type StripeProvider struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
	now           func() time.Time
}

func NewStripeProvider(cfg config.StripeConfig, logger *zap.Logger) *StripeProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeProvider{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.Tolerance,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		now:           time.Now,
	}
}

func (p *StripeProvider) Code() string { return StripeCode }

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	NextAction   *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

// CreatePayment opens a PaymentIntent. The order number doubles as the
// idempotency key so a retried request never creates a second intent.
func (p *StripeProvider) CreatePayment(ctx context.Context, order *models.Order) (*Intent, error) {
	if p.secretKey == "" {
		return nil, fmt.Errorf("stripe provider not configured: secret key required")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(order.GrandTotal, 10))
	form.Set("currency", strings.ToLower(order.Currency))
	form.Set("metadata[order_id]", strconv.FormatInt(order.ID, 10))
	form.Set("metadata[order_number]", order.Number)
	if order.Customer.Email != "" {
		form.Set("receipt_email", order.Customer.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "order-"+order.Number)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("stripe create payment intent failed", zap.Error(err), zap.Int64("order_id", order.ID))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe returned %d: %s", resp.StatusCode, string(body))
	}

	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("decode stripe payment intent: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("stripe payment intent without id")
	}

	out := &Intent{ProviderReference: intent.ID, Payload: body}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		out.RedirectURL = intent.NextAction.RedirectToURL.URL
	}
	return out, nil
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"object"`
	} `json:"data"`
}

func (p *StripeProvider) ParseWebhook(_ context.Context, body []byte, headers http.Header) (*WebhookEvent, error) {
	if err := p.verifySignature(body, headers.Get("Stripe-Signature")); err != nil {
		return nil, err
	}

	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode stripe event: %v", models.ErrInvalidArgument, err)
	}

	out := &WebhookEvent{
		Provider:          StripeCode,
		EventID:           ev.ID,
		ProviderReference: ev.Data.Object.ID,
		Type:              EventUnknown,
		RawType:           ev.Type,
		RawPayload:        body,
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.Type = EventPaid
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Type = EventFailed
	}
	return out, nil
}

// verifySignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256(secret, "<t>.<body>"). Any v1 entry may match.
func (p *StripeProvider) verifySignature(body []byte, header string) error {
	if p.webhookSecret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", models.ErrInvalidSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", models.ErrInvalidSignature)
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed Stripe-Signature header", models.ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", models.ErrInvalidSignature, timestamp)
	}
	if p.tolerance > 0 {
		age := p.now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > p.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", models.ErrInvalidSignature)
		}
	}

	expected := stripeSignature(p.webhookSecret, timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", models.ErrInvalidSignature)
}

func stripeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
