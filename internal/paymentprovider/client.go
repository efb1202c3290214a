// Package paymentprovider реализует HTTP-клиент платежного шлюза
// (REST API в стиле Paystack: initialize и verify транзакций).
package paymentprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

const maxBodySize = 1 << 20

// Client клиент платежного шлюза.
type Client struct {
	secretKey  string
	apiURL     string
	httpClient *http.Client
}

// NewClient создаёт новый клиент шлюза.
func NewClient(cfg config.Gateway) *Client {
	return &Client{
		secretKey:  cfg.SecretKey,
		apiURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do выполняет запрос и разбирает конверт ответа.
// Сетевые ошибки и 5xx дают ErrGatewayUnreachable, прочие отказы ErrGatewayRejected.
func (c *Client) do(req *http.Request, operation string) (json.RawMessage, error) {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result = "unreachable"
		return nil, fmt.Errorf("%w: %w", errs.ErrGatewayUnreachable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		result = "unreachable"
		return nil, fmt.Errorf("%w: read body: %w", errs.ErrGatewayUnreachable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		result = "unreachable"
		return nil, fmt.Errorf("%w: unexpected status %s", errs.ErrGatewayUnreachable, resp.Status)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		result = "unreachable"
		return nil, fmt.Errorf("%w: decode response: %w", errs.ErrGatewayUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Status {
		result = "rejected"
		return nil, fmt.Errorf("%w: %s: %s", errs.ErrGatewayRejected, resp.Status, env.Message)
	}
	return env.Data, nil
}

// Initialize открывает платежную сессию и возвращает адрес страницы оплаты.
func (c *Client) Initialize(ctx context.Context, in InitializeRequest) (*InitializeResult, error) {
	const op = "paymentprovider.Initialize"

	req, err := c.newRequest(ctx, http.MethodPost, "/transaction/initialize", in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := c.do(req, "initialize")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out InitializeResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, errs.ErrGatewayUnreachable, err)
	}
	if out.AuthorizationURL == "" {
		return nil, fmt.Errorf("%s: %w: empty authorization url", op, errs.ErrGatewayRejected)
	}
	return &out, nil
}

// Verify запрашивает у шлюза фактический статус транзакции.
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	const op = "paymentprovider.Verify"

	if reference == "" {
		return nil, fmt.Errorf("%s: %w: empty reference", op, errs.ErrInvalidInput)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := c.do(req, "verify")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out Transaction
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, errs.ErrGatewayUnreachable, err)
	}
	if out.Reference != "" && out.Reference != reference {
		return nil, fmt.Errorf("%s: %w: reference mismatch", op, errs.ErrConflict)
	}
	out.Raw = data
	return &out, nil
}

// IsUnreachable сообщает, что результат операции неизвестен и её стоит повторить.
func IsUnreachable(err error) bool {
	return errors.Is(err, errs.ErrGatewayUnreachable)
}
