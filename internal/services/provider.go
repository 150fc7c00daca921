package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderResult is the provider's acknowledgement of an initiated money
// movement. Reference is the provider-side id later echoed in callbacks.
type ProviderResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// FundingProvider abstracts the external payment rails. Calls happen
// strictly outside database transactions.
type FundingProvider interface {
	InitiateFunding(ctx context.Context, contractID uuid.UUID, amount int64, currency string) (*ProviderResult, error)
	InitiatePayout(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error)
	InitiateRefund(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error)
}

// HTTPProvider talks to the payment provider's internal API.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPProvider(baseURL, apiKey string, log *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload map[string]any) (*ProviderResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s", p.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderFailure, err, "payment provider unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.CodeProviderFailure, "payment provider returned %d: %s", resp.StatusCode, string(b))
	}

	var result ProviderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderFailure, err, "decode provider response")
	}
	return &result, nil
}

func (p *HTTPProvider) InitiateFunding(ctx context.Context, contractID uuid.UUID, amount int64, currency string) (*ProviderResult, error) {
	return p.post(ctx, "/internal/funding", map[string]any{
		"contract_id": contractID.String(),
		"amount":      amount,
		"currency":    currency,
	})
}

func (p *HTTPProvider) InitiatePayout(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error) {
	return p.post(ctx, "/internal/payouts", map[string]any{
		"transaction_id": txID.String(),
		"amount":         amount,
		"currency":       currency,
		"destination":    destination.String(),
	})
}

func (p *HTTPProvider) InitiateRefund(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error) {
	return p.post(ctx, "/internal/refunds", map[string]any{
		"transaction_id": txID.String(),
		"amount":         amount,
		"currency":       currency,
		"destination":    destination.String(),
	})
}

// VerifyWebhookSignature checks the provider's HMAC-SHA256 signature over
// the raw callback body. An empty secret verifies nothing, so every
// callback is rejected until one is configured.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
