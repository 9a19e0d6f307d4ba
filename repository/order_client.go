// Package repository talks to the remote storefront API that owns order
// records.
//
// MarkPaid relies on the server being idempotent per order: paying an
// order that is already paid returns the existing paid order. The client
// sends a deterministic Idempotency-Key so a repeated confirmation is
// recognizable server side, and treats a 409 whose body is a paid order
// as success. It does not implement idempotency itself.
//
// The redirect provider's signature (the vnp_SecureHash parameter) is not
// checked here and never reaches MarkPaid. PUT /orders/{id}/pay must verify
// the transaction with the provider before it marks an order paid.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"order-payment/models"
	"order-payment/session"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type payRequest struct {
	Provider              models.Provider `json:"provider"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	Status                string          `json:"status"`
	UpdateTime            time.Time       `json:"updateTime"`
	PayerID               string          `json:"payerId,omitempty"`
}

// Fetch returns the order with the given id.
func (c *Client) Fetch(ctx context.Context, orderID string, s *session.Session) (*models.Order, error) {
	if err := s.Valid(); err != nil {
		return nil, err
	}
	var order models.Order
	if err := c.do(ctx, "fetch order", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, s, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkPaid reconciles a gateway confirmation into the order record.
func (c *Client) MarkPaid(ctx context.Context, orderID string, conf models.PaymentConfirmation, s *session.Session) (*models.Order, error) {
	if err := s.Valid(); err != nil {
		return nil, err
	}
	if conf.ExternalTransactionID == "" {
		return nil, fmt.Errorf("mark paid %s: missing transaction id", orderID)
	}

	body := payRequest{
		Provider:              conf.Provider,
		ExternalTransactionID: conf.ExternalTransactionID,
		Status:                conf.Status,
		UpdateTime:            conf.UpdateTime.UTC(),
		PayerID:               conf.PayerID,
	}
	headers := http.Header{}
	headers.Set("Idempotency-Key", IdempotencyKey(conf))

	var order models.Order
	err := c.do(ctx, "mark paid", http.MethodPut, "/orders/"+url.PathEscape(orderID)+"/pay", body, s, headers, &order)
	if err == nil {
		return &order, nil
	}

	// A concurrent confirmation won the race; the order is paid either way.
	var apiErr *Error
	if errors.As(err, &apiErr) && errors.Is(apiErr.Kind, ErrConflict) && order.IsPaid {
		return &order, nil
	}
	return nil, err
}

// EmbeddedCredential returns the provider client id for the session.
func (c *Client) EmbeddedCredential(ctx context.Context, s *session.Session) (string, error) {
	if err := s.Valid(); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/payment-providers/embedded/credential", nil, s)
	if err != nil {
		return "", err
	}
	raw, err := c.send(req, "fetch embedded credential", nil)
	if err != nil {
		return "", err
	}

	// The endpoint answers a JSON string, {"clientId": "..."} or plain text.
	var id string
	if json.Unmarshal(raw, &id) != nil {
		var wrapped struct {
			ClientID string `json:"clientId"`
		}
		if json.Unmarshal(raw, &wrapped) == nil {
			id = wrapped.ClientID
		} else {
			id = string(bytes.TrimSpace(raw))
		}
	}
	if id == "" {
		return "", &Error{Op: "fetch embedded credential", Kind: ErrUnexpected, Message: "empty client id"}
	}
	return id, nil
}

// RedirectSession asks the backend to sign a provider-hosted payment page
// for amount, returning to returnURL.
func (c *Client) RedirectSession(ctx context.Context, amount decimal.Decimal, returnURL string, s *session.Session) (string, error) {
	if err := s.Valid(); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("returnUrl", returnURL)

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "create redirect session", http.MethodGet, "/payment-gateway/redirect-session?"+q.Encode(), nil, s, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &Error{Op: "create redirect session", Kind: ErrUnexpected, Message: "empty payment url"}
	}
	return resp.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, s *session.Session) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil && s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, s *session.Session, headers http.Header, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body, s)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	raw, err := c.send(req, op, out)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, Kind: ErrUnexpected, Err: err}
		}
	}
	return nil
}

// send performs req. On a non-2xx status it returns an *Error; for 409 the
// body is still decoded into conflictOut when it is given.
func (c *Client) send(req *http.Request, op string, conflictOut interface{}) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Op: op, Kind: ErrNetwork, Err: err}
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Kind: ErrNetwork, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	kind := kindForStatus(resp.StatusCode)
	if kind == ErrConflict && conflictOut != nil {
		_ = json.Unmarshal(raw, conflictOut)
	}
	return nil, &Error{Op: op, Status: resp.StatusCode, Kind: kind, Message: serverMessage(raw, resp.Status)}
}

func serverMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}

// IdempotencyKey is stable for a given provider transaction.
func IdempotencyKey(conf models.PaymentConfirmation) string {
	name := string(conf.Provider) + ":" + conf.ExternalTransactionID
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
