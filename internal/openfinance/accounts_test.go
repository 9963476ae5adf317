package openfinance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) GetUsableAccessToken(context.Context, string) (string, error) {
	return "test-token", nil
}

func TestListAccounts_DefensiveDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		// Second account omits every optional field.
		w.Write([]byte(`{"Data":{"Account":[
			{"AccountId":"a1","Currency":"AED","Nickname":"Main","Status":"Enabled"},
			{"AccountId":"a2"}
		]}}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, staticTokens{}, server.Client(), 2)

	accounts, err := client.ListAccounts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "a1", accounts[0].AccountID)
	require.NotNil(t, accounts[0].Currency)
	assert.Equal(t, "AED", *accounts[0].Currency)

	assert.Equal(t, "a2", accounts[1].AccountID)
	assert.Nil(t, accounts[1].Currency)
	assert.Nil(t, accounts[1].Nickname)
}

func TestListBalances_BoundedFanOut(t *testing.T) {
	const fanOutMax = 2

	var mu sync.Mutex
	var inflight, peak int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/accounts" {
			accounts := make([]map[string]any, 8)
			for i := range accounts {
				accounts[i] = map[string]any{"AccountId": string(rune('a' + i))}
			}
			json.NewEncoder(w).Encode(map[string]any{"Data": map[string]any{"Account": accounts}})
			return
		}

		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()

		json.NewEncoder(w).Encode(map[string]any{"Data": map[string]any{"Balance": []map[string]any{
			{"AccountId": r.URL.Path, "Amount": map[string]any{"Amount": "10.00", "Currency": "AED"}},
		}}})
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, staticTokens{}, server.Client(), fanOutMax)

	balances, err := client.ListBalances(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, balances, 8)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, fanOutMax, "fan-out must stay bounded")
}

func TestListBalances_PerAccountFailureIsInline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/accounts":
			w.Write([]byte(`{"Data":{"Account":[{"AccountId":"ok"},{"AccountId":"broken"}]}}`))
		case "/accounts/ok/balances":
			w.Write([]byte(`{"Data":{"Balance":[{"AccountId":"ok"}]}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
		}
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, staticTokens{}, server.Client(), 2)

	balances, err := client.ListBalances(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, balances, 2)

	byID := map[string]AccountBalances{}
	for _, b := range balances {
		byID[b.Account.AccountID] = b
	}
	assert.Empty(t, byID["ok"].Error)
	assert.NotEmpty(t, byID["broken"].Error)
	assert.Empty(t, byID["broken"].Balances)
}
