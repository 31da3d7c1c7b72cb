package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// ErrProviderRequest is the sentinel wrapped by every RequestError, so callers
// can test the failure class with errors.Is without caring about the status.
var ErrProviderRequest = errors.New("provider request failed")

// RequestError carries the provider's HTTP status and message for a failed
// paginated fetch or account lookup.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("provider request failed: status %d: %s", e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error {
	return ErrProviderRequest
}

// FetchOptions bounds a single paginated fetch of one resource stream.
type FetchOptions struct {
	// Since, when set, filters server-side to records created strictly after
	// this instant. Nil means full-resync mode.
	Since *time.Time
	// MaxRecords is the hard cap on records fetched in this run. The loop
	// terminates at the cap even if the upstream reports more pages.
	MaxRecords int
	// PageSize is the per-page limit, capped by the provider at 100.
	PageSize int
}

// RawTransaction is the provider's wire shape for a ledger entry. Optional
// nested fields are resolved by the normalizer's fallback chains; Payload
// keeps the undecoded record for local retention.
type RawTransaction struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	Fee            int64  `json:"fee"`
	Currency       string `json:"currency"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	Created        int64  `json:"created"`
	ReceiptEmail   string `json:"receipt_email"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
	Metadata map[string]string `json:"metadata"`
	Source   *RawSource        `json:"source"`

	Payload json.RawMessage `json:"-"`
}

// RawSource is the nested charge/source object attached to some transactions.
type RawSource struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// RawPayout is the provider's wire shape for a payout.
type RawPayout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ArrivalDate int64  `json:"arrival_date"`
	Status      string `json:"status"`
	Method      string `json:"method"`
	Description string `json:"description"`
	Created     int64  `json:"created"`

	Payload json.RawMessage `json:"-"`
}

type listEnvelope struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// Client talks to the external provider's cursor-paginated REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a provider client from viper config.
func NewClient() *Client {
	viper.SetDefault("provider.base_url", "https://api.paystream.io/v1")
	viper.SetDefault("provider.timeout", 30*time.Second)

	return &Client{
		baseURL: viper.GetString("provider.base_url"),
		httpClient: &http.Client{
			Timeout: viper.GetDuration("provider.timeout"),
		},
	}
}

// NewClientWithBaseURL is used by tests to point the client at a fake upstream.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchTransactions retrieves up to opts.MaxRecords ledger entries for the
// given bearer credential. A non-success response aborts the whole fetch;
// pages retrieved before the failure are discarded.
func (c *Client) FetchTransactions(ctx context.Context, credential string, opts FetchOptions) ([]RawTransaction, error) {
	items, err := c.fetchAll(ctx, "transactions", credential, opts)
	if err != nil {
		return nil, err
	}

	records := make([]RawTransaction, 0, len(items))
	for _, item := range items {
		var rt RawTransaction
		if err := json.Unmarshal(item, &rt); err != nil {
			return nil, fmt.Errorf("failed to decode transaction record: %w", err)
		}
		rt.Payload = item
		records = append(records, rt)
	}
	return records, nil
}

// FetchPayouts retrieves up to opts.MaxRecords payouts for the given bearer
// credential, with the same abort-on-failure semantics as FetchTransactions.
func (c *Client) FetchPayouts(ctx context.Context, credential string, opts FetchOptions) ([]RawPayout, error) {
	items, err := c.fetchAll(ctx, "payouts", credential, opts)
	if err != nil {
		return nil, err
	}

	records := make([]RawPayout, 0, len(items))
	for _, item := range items {
		var rp RawPayout
		if err := json.Unmarshal(item, &rp); err != nil {
			return nil, fmt.Errorf("failed to decode payout record: %w", err)
		}
		rp.Payload = item
		records = append(records, rp)
	}
	return records, nil
}

// fetchAll walks the cursor-paginated list endpoint for one resource.
// Pagination is strictly sequential: each page's cursor is the id of the
// previous page's last record. The loop ends when the provider reports no
// further pages or the running total reaches opts.MaxRecords.
func (c *Client) fetchAll(ctx context.Context, resource, credential string, opts FetchOptions) ([]json.RawMessage, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	var all []json.RawMessage
	cursor := ""

	for len(all) < opts.MaxRecords {
		limit := pageSize
		if remaining := opts.MaxRecords - len(all); remaining < limit {
			limit = remaining
		}

		page, err := c.fetchPage(ctx, resource, credential, limit, cursor, opts.Since)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Data...)

		if !page.HasMore || len(page.Data) == 0 {
			break
		}

		var last struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(page.Data[len(page.Data)-1], &last); err != nil || last.ID == "" {
			return nil, fmt.Errorf("failed to read pagination cursor from %s page: %w", resource, err)
		}
		cursor = last.ID
	}

	log.Printf("[PROVIDER] fetched %d %s record(s)", len(all), resource)
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, resource, credential string, limit int, cursor string, since *time.Time) (*listEnvelope, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("starting_after", cursor)
	}
	if since != nil {
		params.Set("created[gt]", strconv.FormatInt(since.Unix(), 10))
	}

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, resource, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	var envelope listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", resource, err)
	}
	return &envelope, nil
}

// ProviderAccount is the provider's account-info response, used once to
// validate a manually supplied API key.
type ProviderAccount struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Country string `json:"country"`
}

// VerifyKey validates a bearer credential against the provider's account-info
// endpoint and returns the provider account it belongs to.
func (c *Client) VerifyKey(ctx context.Context, credential string) (*ProviderAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/account", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	var account ProviderAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode account response: %w", err)
	}
	return &account, nil
}

func readErrorMessage(body io.Reader) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return "unexpected provider response"
}
