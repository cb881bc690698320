// Package payment предоставляет клиент внешнего платёжного шлюза.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом. Шлюз для сервиса —
// чёрный ящик: он лишь отвечает, прошла оплата или нет.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ChargeResult описывает ответ шлюза на попытку списания.
type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
}

// PaymentState описывает текущее состояние платежа по заявке.
type PaymentState struct {
	BookingID int64  `json:"booking_id"`
	Status    string `json:"status"`
}

// Статусы платежа, которые возвращает шлюз.
const (
	StatePending = "pending"
	StatePaid    = "paid"
	StateFailed  = "failed"
)

// NewClient создаёт HTTP-клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// Charge выполняет списание по заявке. Транспортные ошибки и ответы 5xx повторяются
// с экспоненциальной выдержкой; отказ шлюза (success=false) ошибкой транспорта не считается.
func (c *Client) Charge(ctx context.Context, bookingID, amount int64) (*ChargeResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	body, err := json.Marshal(map[string]int64{
		"booking_id": bookingID,
		"amount":     amount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	var result ChargeResult

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/charge"), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("gateway status: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// GetPaymentState запрашивает состояние платежа по заявке. При 429 возвращается
// пауза из заголовка Retry-After, при 204 состояние ещё не зарегистрировано.
func (c *Client) GetPaymentState(ctx context.Context, bookingID int64) (*PaymentState, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("payment client not configured")
	}

	url := c.url(fmt.Sprintf("/api/payments/%d", bookingID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result PaymentState
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
