package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{URL: server.URL + "/", APIKey: "anon"})
	require.NoError(t, err)
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "https://x.supabase.co"})
	assert.Error(t, err)
	_, err = New(Config{URL: "not a url", APIKey: "k"})
	assert.Error(t, err)
}

func TestRPCSendsHeadersAndParsesScalar(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/rpc/generate_order_number", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{}`, string(body))
		_, _ = w.Write([]byte(`"NN-20260101-0001"`))
	})

	result, err := client.RPC(context.Background(), "generate_order_number", nil)
	require.NoError(t, err)
	assert.Equal(t, "NN-20260101-0001", result.String())
}

func TestInsertReturnsRepresentation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/orders", r.URL.Path)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var rows []map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "Thandi", rows[0]["customer_name"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"ord-1","customer_name":"Thandi"}]`))
	})

	result, err := client.Insert(context.Background(), "orders", []map[string]any{{"customer_name": "Thandi"}})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", result.Get("0.id").String())
}

func TestSelectOneRequestsSingleObject(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "eq.12", r.URL.Query().Get("id"))
		assert.Equal(t, "*", r.URL.Query().Get("select"))
		assert.Equal(t, singleObject, r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"id":12,"name":"Closure","price":850}`))
	})

	row, err := client.SelectOne(context.Background(), "products", "id", "12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), row.Get("id").Int())
}

func TestErrorsAreDecoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	_, err := client.SelectOne(context.Background(), "products", "id", "404")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.NoRows())
	assert.False(t, apiErr.Transient())
	assert.Contains(t, apiErr.Error(), "PGRST116")
}

func TestServerErrorsAreTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.RPC(context.Background(), "generate_order_number", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Transient())
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Message)
}

func TestInvalidJSONResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{oops`))
	})
	_, err := client.RPC(context.Background(), "fn", map[string]any{"a": 1})
	assert.Error(t, err)
}
