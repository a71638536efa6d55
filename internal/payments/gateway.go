// Package payments handles donations and room sponsorships through an
// external card processor. The processor is reached over its REST API and
// reports outcomes back via signed webhooks.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Intent is a payment attempt at the processor. ClientSecret goes to the
// client to confirm the card; everything else is bookkeeping.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

// Gateway creates payment intents. Implementations must not retain the
// metadata map.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (Intent, error)
}

// RESTGateway talks to the processor's form-encoded REST API with a
// bearer secret key.
type RESTGateway struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewRESTGateway(baseURL, secretKey string) *RESTGateway {
	return &RESTGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *RESTGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", currency)
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("payments: create intent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Intent{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Intent{}, fmt.Errorf("payments: processor returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return Intent{}, fmt.Errorf("payments: decode intent: %w", err)
	}
	return intent, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
