package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// HTTPBalanceSource fetches the external custody balance from a JSON
// endpoint responding with {"balance": "123.45"}.
type HTTPBalanceSource struct {
	client   *http.Client
	endpoint string
}

// NewHTTPBalanceSource creates a source polling endpoint.
func NewHTTPBalanceSource(client *http.Client, endpoint string) *HTTPBalanceSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBalanceSource{client: client, endpoint: endpoint}
}

// ExternalBalance implements ExternalBalanceSource.
func (s *HTTPBalanceSource) ExternalBalance(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch external balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("external balance endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode external balance: %w", err)
	}
	return payload.Balance, nil
}
