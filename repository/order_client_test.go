package repository

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-payment/models"
	"order-payment/session"
)

type fakeAPI struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	payCalls []payRequest
	keys     []string
	conflict bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Invalid Token"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		o, ok := f.orders[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Order Not Found"})
			return
		}
		_ = json.NewEncoder(w).Encode(o)
	})
	mux.HandleFunc("PUT /orders/{id}/pay", func(w http.ResponseWriter, r *http.Request) {
		var body payRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.payCalls = append(f.payCalls, body)
		f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
		o := f.orders[r.PathValue("id")]
		if !o.IsPaid {
			o.IsPaid = true
			paidAt := body.UpdateTime
			o.PaidAt = &paidAt
		}
		if f.conflict {
			w.WriteHeader(http.StatusConflict)
		}
		_ = json.NewEncoder(w).Encode(o)
	})
	mux.HandleFunc("GET /payment-providers/embedded/credential", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("client-abc"))
	})
	mux.HandleFunc("GET /payment-gateway/redirect-session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url": "https://pay.example.com/?amount=" + r.URL.Query().Get("amount") + "&ret=" + r.URL.Query().Get("returnUrl"),
		})
	})
	return mux
}

func newOrder(id string) *models.Order {
	return &models.Order{
		ID:            id,
		ItemsPrice:    decimal.NewFromInt(90),
		ShippingPrice: decimal.NewFromInt(0),
		TaxPrice:      decimal.NewFromInt(10),
		TotalPrice:    decimal.NewFromInt(100),
	}
}

func setup(t *testing.T) (*fakeAPI, *Client) {
	api := &fakeAPI{orders: map[string]*models.Order{"X": newOrder("X")}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return api, NewClient(srv.URL, 2*time.Second)
}

var sess = &session.Session{Token: "tok"}

func TestFetch(t *testing.T) {
	_, client := setup(t)

	order, err := client.Fetch(context.Background(), "X", sess)

	require.NoError(t, err)
	assert.Equal(t, "X", order.ID)
	assert.False(t, order.IsPaid)
	assert.True(t, order.TotalPrice.Equal(decimal.NewFromInt(100)))
}

func TestFetch_Errors(t *testing.T) {
	_, client := setup(t)

	_, err := client.Fetch(context.Background(), "missing", sess)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Order Not Found", UserMessage(err))

	_, err = client.Fetch(context.Background(), "X", &session.Session{Token: "bad"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Fetch(context.Background(), "X", nil)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestFetch_NetworkError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)

	_, err := client.Fetch(context.Background(), "X", sess)

	assert.ErrorIs(t, err, ErrNetwork)
}

func TestMarkPaid_Idempotent(t *testing.T) {
	api, client := setup(t)
	conf := models.PaymentConfirmation{
		Provider:              models.ProviderRedirect,
		ExternalTransactionID: "T1",
		Status:                "00",
		UpdateTime:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	first, err := client.MarkPaid(context.Background(), "X", conf, sess)
	require.NoError(t, err)
	second, err := client.MarkPaid(context.Background(), "X", conf, sess)
	require.NoError(t, err)

	assert.True(t, first.IsPaid)
	assert.True(t, second.IsPaid)
	assert.Equal(t, first.PaidAt, second.PaidAt)
	require.Len(t, api.payCalls, 2)
	assert.Equal(t, "T1", api.payCalls[0].ExternalTransactionID)
	assert.Equal(t, api.keys[0], api.keys[1])
	assert.Equal(t, IdempotencyKey(conf), api.keys[0])
}

func TestMarkPaid_ConflictWithPaidOrderIsSuccess(t *testing.T) {
	api, client := setup(t)
	api.conflict = true

	order, err := client.MarkPaid(context.Background(), "X", models.PaymentConfirmation{ExternalTransactionID: "T2"}, sess)

	require.NoError(t, err)
	assert.True(t, order.IsPaid)
}

func TestMarkPaid_ConflictUnpaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(newOrder("X"))
	}))
	defer srv.Close()
	client := NewClient(srv.URL, time.Second)

	_, err := client.MarkPaid(context.Background(), "X", models.PaymentConfirmation{ExternalTransactionID: "T3"}, sess)

	assert.ErrorIs(t, err, ErrConflict)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestMarkPaid_RequiresTransactionID(t *testing.T) {
	api, client := setup(t)

	_, err := client.MarkPaid(context.Background(), "X", models.PaymentConfirmation{}, sess)

	assert.Error(t, err)
	assert.Empty(t, api.payCalls)
}

func TestEmbeddedCredential(t *testing.T) {
	_, client := setup(t)

	id, err := client.EmbeddedCredential(context.Background(), sess)

	require.NoError(t, err)
	assert.Equal(t, "client-abc", id)
}

func TestRedirectSession(t *testing.T) {
	_, client := setup(t)

	u, err := client.RedirectSession(context.Background(), decimal.NewFromInt(100), "http://shop/order/X/payment-return", sess)

	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/?amount=100&ret=http://shop/order/X/payment-return", u)
}

func TestRedirectSession_RequiresSession(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, time.Second)

	_, err := client.RedirectSession(context.Background(), decimal.NewFromInt(100), "http://shop/order/X/payment-return", nil)

	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Zero(t, calls)
}

func TestMarkPaid_ForwardsPayer(t *testing.T) {
	api, client := setup(t)
	conf := models.PaymentConfirmation{
		Provider:              models.ProviderEmbedded,
		ExternalTransactionID: "CAP-7",
		Status:                "COMPLETED",
		PayerID:               "PAYER-1",
	}

	_, err := client.MarkPaid(context.Background(), "X", conf, sess)

	require.NoError(t, err)
	require.Len(t, api.payCalls, 1)
	assert.Equal(t, "PAYER-1", api.payCalls[0].PayerID)
}

func TestIdempotencyKey_DiffersPerTransaction(t *testing.T) {
	a := IdempotencyKey(models.PaymentConfirmation{Provider: models.ProviderRedirect, ExternalTransactionID: "T1"})
	b := IdempotencyKey(models.PaymentConfirmation{Provider: models.ProviderRedirect, ExternalTransactionID: "T2"})
	c := IdempotencyKey(models.PaymentConfirmation{Provider: models.ProviderEmbedded, ExternalTransactionID: "T1"})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
