// Package geocoder предоставляет клиент обратного геокодирования координат в адрес.
package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом обратного геокодирования
// (nominatim-совместимый API).
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент геокодера по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// FallbackAddress возвращает адрес-заглушку из сырых координат. Используется, когда
// геокодер недоступен: оформление заявки не должно блокироваться из-за него.
func FallbackAddress(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// ReverseGeocode превращает координаты в текстовый адрес.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("geocoder client not configured")
	}

	url := fmt.Sprintf("%s/reverse?format=json&lat=%f&lon=%f&accept-language=en", c.baseURL, lat, lon)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if result.DisplayName == "" {
		return "", fmt.Errorf("empty display name in response")
	}

	return result.DisplayName, nil
}
