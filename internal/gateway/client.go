// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Error описывает ошибку обращения к платёжному шлюзу.
// Transient означает, что запрос имеет смысл повторить позже.
type Error struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment gateway: %v", e.Err)
	}
	return fmt.Sprintf("payment gateway: unexpected status %d", e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient сообщает, является ли ошибка шлюза временной.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Transient
}

// SessionStatus описывает статус платёжной сессии по данным шлюза.
type SessionStatus string

const (
	SessionStatusPaid   SessionStatus = "paid"
	SessionStatusUnpaid SessionStatus = "unpaid"
	SessionStatusFailed SessionStatus = "failed"
)

// LineItem описывает позицию заказа в формате платёжного шлюза.
type LineItem struct {
	Name            string `json:"name"`
	Quantity        int32  `json:"quantity"`
	UnitAmountPaise int64  `json:"unit_amount"`
}

// CreateSessionRequest содержит параметры создания платёжной сессии.
type CreateSessionRequest struct {
	OrderID        string
	LineItems      []LineItem
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Session описывает созданную платёжную сессию.
type Session struct {
	ID          string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Временные ошибки (сетевые сбои, 5xx) повторяются ограниченное число раз
// с экспоненциальной задержкой; ошибки 4xx считаются постоянными.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL, secretKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreateSession создаёт платёжную сессию для заказа. Ключ идемпотентности
// передаётся в заголовке Idempotency-Key: повтор запроса с тем же ключом
// не создаёт вторую сессию и второе списание.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if c == nil || c.baseURL == "" {
		return nil, &Error{Transient: false, Err: fmt.Errorf("gateway client not configured")}
	}

	payload := struct {
		OrderID    string     `json:"order_id"`
		LineItems  []LineItem `json:"line_items"`
		SuccessURL string     `json:"success_url"`
		CancelURL  string     `json:"cancel_url"`
	}{
		OrderID:    req.OrderID,
		LineItems:  req.LineItems,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Transient: false, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/sessions"), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Transient: false, Err: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	if session.ID == "" || session.RedirectURL == "" {
		return nil, &Error{Transient: false, Err: fmt.Errorf("incomplete session in response")}
	}

	return &session, nil
}

// GetSessionStatus запрашивает у шлюза авторитетный статус платёжной сессии.
// Истёкшие сессии шлюз помечает как expired, клиент приводит их к failed.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if c == nil || c.baseURL == "" {
		return "", &Error{Transient: false, Err: fmt.Errorf("gateway client not configured")}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/sessions/"+sessionID), nil)
	if err != nil {
		return "", &Error{Transient: false, Err: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &Error{Transient: true, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	switch result.Status {
	case "paid":
		return SessionStatusPaid, nil
	case "unpaid", "open":
		return SessionStatusUnpaid, nil
	case "failed", "expired":
		return SessionStatusFailed, nil
	default:
		return "", &Error{Transient: false, Err: fmt.Errorf("unknown session status %q", result.Status)}
	}
}
