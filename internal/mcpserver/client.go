package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the ledger API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Address string // Identity the key belongs to, e.g. "0x..."
}

// LedgerClient is a pure HTTP client for the bounty ledger API.
type LedgerClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewLedgerClient creates a new client for the ledger API.
func NewLedgerClient(cfg Config) *LedgerClient {
	return &LedgerClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *LedgerClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// A failed payout still returns the closed bounty
	if resp.StatusCode == http.StatusBadGateway {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error == "payout_failed" {
			return json.RawMessage(respBody), &PayoutFailedError{Message: apiErr.Message}
		}
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// PayoutFailedError reports a bounty that closed but whose payout did not go
// through. The response body is still returned alongside it.
type PayoutFailedError struct {
	Message string
}

func (e *PayoutFailedError) Error() string {
	return "payout failed: " + e.Message
}

func bountyPath(id uint64, suffix string) string {
	return "/v1/bounties/" + strconv.FormatUint(id, 10) + suffix
}

// ListBounties returns the bounties whose beneficiary is address, or the
// caller's own when address is empty.
func (c *LedgerClient) ListBounties(ctx context.Context, address string) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.Address
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/beneficiaries/"+address+"/bounties", nil, nil)
}

// ListExpired returns expired, unclaimed bounties.
func (c *LedgerClient) ListExpired(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bounties/expired", nil, nil)
}

// GetBounty returns one bounty.
func (c *LedgerClient) GetBounty(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, bountyPath(id, ""), nil, nil)
}

// GetDigest returns the message an authorizer signs for the caller.
func (c *LedgerClient) GetDigest(ctx context.Context, id uint64) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("submitter", c.cfg.Address)
	return c.doRequest(ctx, http.MethodGet, bountyPath(id, "/digest"), q, nil)
}

// CreateBounty deposits amount for reference, claimable after duration.
func (c *LedgerClient) CreateBounty(ctx context.Context, amount, reference, duration string) (json.RawMessage, error) {
	body := map[string]string{
		"amount":    amount,
		"reference": reference,
		"duration":  duration,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/bounties", nil, body)
}

// SubmitAuthorization attaches an authorizer signature to a bounty.
func (c *LedgerClient) SubmitAuthorization(ctx context.Context, id uint64, signature string) (json.RawMessage, error) {
	body := map[string]string{"signature": signature}
	return c.doRequest(ctx, http.MethodPost, bountyPath(id, "/authorization"), nil, body)
}

// ClaimBounty claims a bounty for its beneficiary.
func (c *LedgerClient) ClaimBounty(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, bountyPath(id, "/claim"), nil, nil)
}

// DisputeBounty freezes a bounty for arbitration.
func (c *LedgerClient) DisputeBounty(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, bountyPath(id, "/dispute"), nil, nil)
}

// GetBalance returns the caller's internal balance.
func (c *LedgerClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/balances/"+c.cfg.Address, nil, nil)
}

// GetStats returns ledger-wide totals.
func (c *LedgerClient) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/stats", nil, nil)
}
