package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/safar/go-commerce-core/internal/config"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const PayPalCode = "paypal"

type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	returnURL    string
	cancelURL    string
	httpClient   *http.Client
	logger       *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPayPalProvider(cfg config.PayPalConfig, logger *zap.Logger) *PayPalProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayPalProvider{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		webhookID:    cfg.WebhookID,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		now:          time.Now,
	}
}

func (p *PayPalProvider) Code() string { return PayPalCode }

// accessToken returns a cached client-credentials token, refreshing it a
// minute before it expires.
func (p *PayPalProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}
	if p.clientID == "" || p.clientSecret == "" {
		return "", fmt.Errorf("paypal provider not configured: client id and secret required")
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if _, err := p.do(req, &out); err != nil {
		return "", fmt.Errorf("paypal oauth: %w", err)
	}

	p.token = out.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreatePayment opens a Checkout Orders v2 order and returns the buyer
// approval link as the redirect URL.
func (p *PayPalProvider) CreatePayment(ctx context.Context, order *models.Order) (*Intent, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": order.Number,
			"custom_id":    fmt.Sprintf("%d", order.ID),
			"amount": map[string]string{
				"currency_code": order.Currency,
				"value":         formatMinor(order.GrandTotal),
			},
		}},
		"application_context": map[string]string{
			"return_url": p.returnURL,
			"cancel_url": p.cancelURL,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", "order-"+order.Number)

	var out paypalOrder
	raw, err := p.do(req, &out)
	if err != nil {
		p.logger.Warn("paypal create order failed", zap.Error(err), zap.Int64("order_id", order.ID))
		return nil, err
	}

	intent := &Intent{ProviderReference: out.ID, Payload: raw}
	for _, link := range out.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			intent.RedirectURL = link.Href
			break
		}
	}
	return intent, nil
}

type paypalEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// ParseWebhook verifies every delivery with PayPal and rejects all of them
// while no webhook id is configured. Capture events reference the checkout
// order through supplementary_data, which is the reference stored on the
// payment. An approved order is captured here, so the approval settles the
// payment without waiting for the capture webhook.
func (p *PayPalProvider) ParseWebhook(ctx context.Context, body []byte, headers http.Header) (*WebhookEvent, error) {
	var ev paypalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: decode paypal event: %v", models.ErrInvalidArgument, err)
	}

	if p.webhookID == "" {
		return nil, fmt.Errorf("%w: paypal webhook id not configured", models.ErrInvalidSignature)
	}
	if err := p.verifyWebhook(ctx, body, headers); err != nil {
		return nil, err
	}

	reference := ev.Resource.ID
	if related := ev.Resource.SupplementaryData.RelatedIDs.OrderID; related != "" {
		reference = related
	}

	out := &WebhookEvent{
		Provider:          PayPalCode,
		EventID:           ev.ID,
		ProviderReference: reference,
		Type:              EventUnknown,
		RawType:           ev.EventType,
		RawPayload:        body,
	}
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Type = EventPaid
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "CHECKOUT.PAYMENT-APPROVAL.REVERSED":
		out.Type = EventFailed
	case "CHECKOUT.ORDER.APPROVED":
		typ, err := p.capture(ctx, ev.Resource.ID)
		if err != nil {
			return nil, err
		}
		out.Type = typ
	}
	return out, nil
}

// capture completes an approved checkout order. The request id is derived
// from the order so a redelivered approval never captures twice.
func (p *PayPalProvider) capture(ctx context.Context, orderID string) (EventType, error) {
	if orderID == "" {
		return EventUnknown, fmt.Errorf("%w: approved order without id", models.ErrInvalidArgument)
	}
	token, err := p.accessToken(ctx)
	if err != nil {
		return EventUnknown, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", strings.NewReader("{}"))
	if err != nil {
		return EventUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", "capture-"+orderID)

	var out paypalCapture
	if _, err := p.do(req, &out); err != nil {
		var apiErr *paypalAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(apiErr.Body, "ORDER_ALREADY_CAPTURED") {
			// The capture webhook settles it.
			return EventUnknown, nil
		}
		p.logger.Warn("paypal capture failed", zap.Error(err), zap.String("paypal_order_id", orderID))
		return EventUnknown, fmt.Errorf("paypal capture: %w", err)
	}

	status := out.Status
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		status = out.PurchaseUnits[0].Payments.Captures[0].Status
	}
	switch status {
	case "COMPLETED":
		return EventPaid, nil
	case "DECLINED", "FAILED":
		return EventFailed, nil
	}
	// PENDING captures settle through PAYMENT.CAPTURE.COMPLETED.
	return EventUnknown, nil
}

type paypalCapture struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPalProvider) verifyWebhook(ctx context.Context, body []byte, headers http.Header) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(body),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := p.do(req, &out); err != nil {
		return fmt.Errorf("paypal verify webhook: %w", err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: paypal verification status %q", models.ErrInvalidSignature, out.VerificationStatus)
	}
	return nil
}

type paypalAPIError struct {
	StatusCode int
	Body       string
}

func (e *paypalAPIError) Error() string {
	return fmt.Sprintf("paypal returned %d: %s", e.StatusCode, e.Body)
}

func (p *PayPalProvider) do(req *http.Request, out any) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &paypalAPIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("decode paypal response: %w", err)
	}
	return body, nil
}

// formatMinor renders minor units as a two-decimal amount string.
func formatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
