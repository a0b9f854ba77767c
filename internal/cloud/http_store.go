package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
)

const (
	defaultHTTPTimeout = 10 * time.Second

	opHTTPRequest = "cloud.http_request"
)

var errMissingBaseURL = errors.New("cloud base url is required")

// TokenProvider supplies the bearer token attached to every cloud request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStoreConfig describes the HTTPStore dependencies.
type HTTPStoreConfig struct {
	BaseURL string
	Tokens  TokenProvider
	Client  *http.Client
}

// HTTPStore implements Store against the cloud API.
type HTTPStore struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
}

// OrderRequest is the body of POST /v1/orders.
type OrderRequest struct {
	Order orders.Order `json:"order"`
}

// ItemsRequest is the body of POST /v1/orders/:orderID/items.
type ItemsRequest struct {
	Items []orders.Item `json:"items"`
}

// PaymentRequest is the body of POST /v1/payments.
type PaymentRequest struct {
	Payment orders.Order `json:"payment"`
}

// InsertOrderResponse reports the committed reference and whether it already existed.
type InsertOrderResponse struct {
	Order     OrderRef `json:"order"`
	Duplicate bool     `json:"duplicate"`
}

// InsertPaymentResponse reports the committed payment and whether it already existed.
type InsertPaymentResponse struct {
	Payment   PaymentRef `json:"payment"`
	Duplicate bool       `json:"duplicate"`
}

// ErrorResponse is the JSON body of every non-2xx cloud API reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewHTTPStore constructs an HTTPStore.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, orders.NewServiceError("cloud.new_http", "missing_base_url", errMissingBaseURL)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, orders.NewServiceError("cloud.new_http", "invalid_base_url", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStore{baseURL: base, tokens: cfg.Tokens, client: client}, nil
}

// FindOrder implements Store.
func (s *HTTPStore) FindOrder(ctx context.Context, clientID string) (OrderRef, bool, error) {
	var ref OrderRef
	status, err := s.do(ctx, http.MethodGet, "/v1/orders/by-client/"+url.PathEscape(clientID), nil, &ref)
	if status == http.StatusNotFound {
		return OrderRef{}, false, nil
	}
	if err != nil {
		return OrderRef{}, false, err
	}
	return ref, true, nil
}

// InsertOrder implements Store.
func (s *HTTPStore) InsertOrder(ctx context.Context, order orders.Order) (OrderRef, error) {
	var response InsertOrderResponse
	if _, err := s.do(ctx, http.MethodPost, "/v1/orders", OrderRequest{Order: order}, &response); err != nil {
		return OrderRef{}, err
	}
	if response.Duplicate {
		return response.Order, orders.NewServiceError(opInsertOrder, "duplicate", orders.ErrDuplicateRecord)
	}
	return response.Order, nil
}

// InsertItems implements Store.
func (s *HTTPStore) InsertItems(ctx context.Context, orderID int64, items []orders.Item) error {
	if len(items) == 0 {
		return nil
	}
	path := "/v1/orders/" + strconv.FormatInt(orderID, 10) + "/items"
	_, err := s.do(ctx, http.MethodPost, path, ItemsRequest{Items: items}, nil)
	return err
}

// UpdateOrder implements Store.
func (s *HTTPStore) UpdateOrder(ctx context.Context, clientID string, update orders.Update) (OrderRef, error) {
	var ref OrderRef
	status, err := s.do(ctx, http.MethodPatch, "/v1/orders/by-client/"+url.PathEscape(clientID), update, &ref)
	if status == http.StatusNotFound {
		return OrderRef{}, orders.NewServiceError(opUpdateOrder, "not_found", orders.ErrRecordNotFound)
	}
	if err != nil {
		return OrderRef{}, err
	}
	return ref, nil
}

// FindPayment implements Store.
func (s *HTTPStore) FindPayment(ctx context.Context, clientID string) (PaymentRef, bool, error) {
	var ref PaymentRef
	status, err := s.do(ctx, http.MethodGet, "/v1/payments/by-client/"+url.PathEscape(clientID), nil, &ref)
	if status == http.StatusNotFound {
		return PaymentRef{}, false, nil
	}
	if err != nil {
		return PaymentRef{}, false, err
	}
	return ref, true, nil
}

// InsertPayment implements Store.
func (s *HTTPStore) InsertPayment(ctx context.Context, payment orders.Order) (PaymentRef, error) {
	var response InsertPaymentResponse
	status, err := s.do(ctx, http.MethodPost, "/v1/payments", PaymentRequest{Payment: payment}, &response)
	if status == http.StatusNotFound {
		return PaymentRef{}, orders.NewServiceError(opInsertPayment, "order_missing", orders.ErrRecordNotFound)
	}
	if err != nil {
		return PaymentRef{}, err
	}
	if response.Duplicate {
		return response.Payment, orders.NewServiceError(opInsertPayment, "duplicate", orders.ErrDuplicateRecord)
	}
	return response.Payment, nil
}

// do performs one JSON round trip. Transport failures and 5xx replies are
// transient; 4xx replies map onto validation or not-found errors.
func (s *HTTPStore) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, orders.NewServiceError(opHTTPRequest, "encode_failed", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, orders.NewServiceError(opHTTPRequest, "build_failed", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return 0, orders.NewServiceError(opHTTPRequest, "token_failed", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return 0, orders.NewServiceError(opHTTPRequest, "transport_failed", fmt.Errorf("%w: %w", orders.ErrTransientNetwork, err))
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var apiErr ErrorResponse
		_ = json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&apiErr)
		cause := fmt.Errorf("%s %s: status %d: %s", method, path, response.StatusCode, apiErr.Error)
		switch {
		case response.StatusCode == http.StatusNotFound:
			return response.StatusCode, orders.NewServiceError(opHTTPRequest, "not_found", fmt.Errorf("%w: %w", orders.ErrRecordNotFound, cause))
		case response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnprocessableEntity:
			return response.StatusCode, orders.NewServiceError(opHTTPRequest, "rejected", fmt.Errorf("%w: %w", orders.ErrValidation, cause))
		default:
			return response.StatusCode, orders.NewServiceError(opHTTPRequest, "unavailable", fmt.Errorf("%w: %w", orders.ErrTransientNetwork, cause))
		}
	}
	if out != nil && response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return response.StatusCode, orders.NewServiceError(opHTTPRequest, "decode_failed", fmt.Errorf("%w: %w", orders.ErrTransientNetwork, err))
		}
	}
	return response.StatusCode, nil
}
