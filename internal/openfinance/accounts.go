// Package openfinance is a thin client for the provider's account-information
// sandbox API. Payloads are modeled as explicit tagged structs with optional
// fields as pointers; the sandbox omits fields freely.
package openfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	brokererrors "github.com/ofconnect/consent-broker/errors"
)

// TokenSource supplies a live access token for a consent; the token lifecycle
// manager satisfies this.
type TokenSource interface {
	GetUsableAccessToken(ctx context.Context, consentID string) (string, error)
}

// Account is one account visible under a data-sharing consent.
type Account struct {
	AccountID string  `json:"AccountId"`
	Status    *string `json:"Status,omitempty"`
	Currency  *string `json:"Currency,omitempty"`
	Nickname  *string `json:"Nickname,omitempty"`
}

// Amount is a currency-qualified amount.
type Amount struct {
	Amount   string `json:"Amount"`
	Currency string `json:"Currency"`
}

// Balance is one balance entry for an account.
type Balance struct {
	AccountID string  `json:"AccountId"`
	Type      *string `json:"Type,omitempty"`
	Amount    *Amount `json:"Amount,omitempty"`
}

// AccountBalances pairs an account with its balances, or the error fetching
// them.
type AccountBalances struct {
	Account  Account   `json:"account"`
	Balances []Balance `json:"balances,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Client fetches account data from the sandbox with bounded concurrency.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	fanOutMax  int
}

// NewClient builds a data client. fanOutMax caps concurrent per-account
// requests; values below 1 default to 4.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, fanOutMax int) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if fanOutMax < 1 {
		fanOutMax = 4
	}
	return &Client{baseURL: baseURL, tokens: tokens, httpClient: httpClient, fanOutMax: fanOutMax}
}

// ListAccounts returns the accounts visible under the given consent.
func (c *Client) ListAccounts(ctx context.Context, consentID string) ([]Account, error) {
	var envelope struct {
		Data struct {
			Account []Account `json:"Account"`
		} `json:"Data"`
	}
	if err := c.get(ctx, consentID, "/accounts", &envelope); err != nil {
		return nil, err
	}
	return envelope.Data.Account, nil
}

// ListBalances fans out one balance request per account, capped at fanOutMax
// concurrent calls. Per-account failures are reported inline rather than
// failing the whole aggregation.
func (c *Client) ListBalances(ctx context.Context, consentID string) ([]AccountBalances, error) {
	accounts, err := c.ListAccounts(ctx, consentID)
	if err != nil {
		return nil, err
	}

	results := make([]AccountBalances, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOutMax)

	for i, acct := range accounts {
		g.Go(func() error {
			var envelope struct {
				Data struct {
					Balance []Balance `json:"Balance"`
				} `json:"Data"`
			}
			path := fmt.Sprintf("/accounts/%s/balances", acct.AccountID)
			if err := c.get(gctx, consentID, path, &envelope); err != nil {
				log.Warn().Err(err).Str("account_id", acct.AccountID).Msg("balance fetch failed")
				results[i] = AccountBalances{Account: acct, Error: err.Error()}
				return nil
			}
			results[i] = AccountBalances{Account: acct, Balances: envelope.Data.Balance}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) get(ctx context.Context, consentID, path string, out any) error {
	token, err := c.tokens.GetUsableAccessToken(ctx, consentID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build data request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("data request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read data response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return brokererrors.NewUpstream(path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode data response: %w", err)
	}
	return nil
}
