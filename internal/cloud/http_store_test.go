package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func TestHTTPStoreSendsBearerAndDecodesReferences(t *testing.T) {
	var authHeaders []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/orders/by-client/abc-1":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "not found"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/orders":
			var request OrderRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
			assert.Equal(t, "abc-1", request.Order.ClientID)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(InsertOrderResponse{Order: OrderRef{ID: 7, ClientID: "abc-1"}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/orders/7/items":
			var request ItemsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
			assert.Len(t, request.Items, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	store, err := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL + "/", Tokens: staticToken("tok")})
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := store.FindOrder(ctx, "abc-1")
	require.NoError(t, err)
	assert.False(t, found)

	ref, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)
	assert.EqualValues(t, 7, ref.ID)

	require.NoError(t, store.InsertItems(ctx, ref.ID, []orders.Item{{MenuItemID: "m1", Quantity: 2, PriceAtTime: 12}}))

	for _, header := range authHeaders {
		assert.Equal(t, "Bearer tok", header)
	}
}

func TestHTTPStoreMapsStatusCodesToErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/v1/payments":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "bad payment"})
		default:
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(InsertOrderResponse{Order: OrderRef{ID: 3, ClientID: "abc-1"}, Duplicate: true})
		}
	}))
	defer server.Close()

	store, err := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.InsertOrder(ctx, sampleCloudOrder())
	require.ErrorIs(t, err, orders.ErrTransientNetwork)

	_, err = store.InsertPayment(ctx, orders.Order{ClientID: "pay-1", TargetClientID: "abc-1"})
	require.ErrorIs(t, err, orders.ErrValidation)
}

func TestHTTPStoreTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	store, err := NewHTTPStore(HTTPStoreConfig{BaseURL: baseURL})
	require.NoError(t, err)
	_, _, err = store.FindOrder(context.Background(), "abc-1")
	require.ErrorIs(t, err, orders.ErrTransientNetwork)
}

func TestNewHTTPStoreRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPStore(HTTPStoreConfig{BaseURL: "  "})
	require.Error(t, err)
}
