// gateway/client.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trailguard/config"
	"trailguard/logs"
	"trailguard/utils"
)

// Ensure APIClient implements the Gateway interface.
var _ Gateway = (*APIClient)(nil)

// APIClient talks to the trading gateway service over REST. Every call is
// wrapped in the shared retry helper with the configured attempt count and
// delay, and carries the request timeout from config.
type APIClient struct {
	BaseURL    string
	Token      string
	Http       *http.Client
	attempts   int
	retryDelay time.Duration
}

// gatewayError is the error body the gateway returns on HTTP >= 400.
type gatewayError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// orderResult is the body returned by close/reduce endpoints.
type orderResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// NewAPIClient creates a new gateway client.
func NewAPIClient(baseURL, token string, cfg *config.GatewayConfig) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Http:       &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		attempts:   cfg.RetryAttempts,
		retryDelay: time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}
}

// sendRequest is the single generic request path: builds the request,
// attaches auth, decodes either the target struct or a typed error body.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, query url.Values, payload, target interface{}) error {
	fullURL := c.BaseURL + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request payload: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp gatewayError
		if json.Unmarshal(body, &errResp) == nil && errResp.Msg != "" {
			return fmt.Errorf("gateway error: %s (code: %d)", errResp.Msg, errResp.Code)
		}
		return fmt.Errorf("gateway error: HTTP %d, body: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body))
		}
	}
	return nil
}

// FetchPrice returns the current mid price for one asset.
func (c *APIClient) FetchPrice(ctx context.Context, asset string) (float64, error) {
	query := url.Values{}
	query.Set("asset", asset)

	var data struct {
		Asset string  `json:"asset"`
		Price float64 `json:"price"`
	}
	err := utils.Retry(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendRequest(ctx, http.MethodGet, "/v1/price", query, nil, &data)
	})
	if err != nil {
		return 0, err
	}
	if data.Price <= 0 {
		return 0, fmt.Errorf("gateway returned non-positive price %.8f for %s", data.Price, asset)
	}
	return data.Price, nil
}

// FetchAllPrices returns the market-wide mid price map in one call.
func (c *APIClient) FetchAllPrices(ctx context.Context) (map[string]float64, error) {
	var data struct {
		Prices map[string]float64 `json:"prices"`
	}
	err := utils.Retry(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendRequest(ctx, http.MethodGet, "/v1/prices", nil, nil, &data)
	})
	if err != nil {
		return nil, err
	}
	return data.Prices, nil
}

// FetchPositions returns the wallet's position snapshot across all
// sub-ledgers, with the account margin summary.
func (c *APIClient) FetchPositions(ctx context.Context, wallet string) (*PositionSnapshot, error) {
	query := url.Values{}
	query.Set("wallet", wallet)

	var snap PositionSnapshot
	err := utils.Retry(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendRequest(ctx, http.MethodGet, "/v1/positions", query, nil, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ClosePosition market-closes the position. The gateway reporting "no open
// position" is treated as success so a repeated close stays idempotent.
func (c *APIClient) ClosePosition(ctx context.Context, wallet, asset, reason string) (bool, string) {
	payload := map[string]interface{}{
		"wallet": wallet,
		"asset":  asset,
		"reason": reason,
	}

	var result orderResult
	err := utils.Retry(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendRequest(ctx, http.MethodPost, "/v1/positions/close", nil, payload, &result)
	})
	if err != nil {
		return false, err.Error()
	}
	if !result.OK && strings.Contains(strings.ToLower(result.Detail), "no open position") {
		logs.Infof("[Gateway] Close for %s/%s found no open position, treating as already closed.", wallet, asset)
		return true, result.Detail
	}
	return result.OK, result.Detail
}

// ReducePosition submits a partial reduce-only close for reducePct percent
// of the current position size.
func (c *APIClient) ReducePosition(ctx context.Context, wallet, asset string, reducePct float64, reason string) (bool, string) {
	payload := map[string]interface{}{
		"wallet":     wallet,
		"asset":      asset,
		"reduce_pct": utils.RoundToPrecision(reducePct, 2),
		"reason":     reason,
	}

	var result orderResult
	err := utils.Retry(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendRequest(ctx, http.MethodPost, "/v1/positions/reduce", nil, payload, &result)
	})
	if err != nil {
		return false, err.Error()
	}
	return result.OK, result.Detail
}
