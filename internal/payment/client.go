// Package payment предоставляет клиент внешнего платёжного шлюза.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

const (
	maxAttempts   = 3
	maxRetryAfter = 5 * time.Second
)

var (
	// ErrPaymentNotFound возвращается, если шлюз не знает платёж с такой ссылкой.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentDeclined возвращается, если платёж отклонён или отменён.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrAmountMismatch возвращается, если сумма платежа у шлюза не совпадает с суммой корзины.
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrRateLimited возвращается, если шлюз продолжает отвечать 429 после всех попыток.
	ErrRateLimited = errors.New("payment gateway rate limit exceeded")
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Payment описывает ответ шлюза по одному платежу.
type Payment struct {
	Ref    string           `json:"ref"`
	Status string           `json:"status"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetPayment запрашивает состояние платежа. Для ответа 429 возвращается
// интервал из Retry-After.
func (c *Client) GetPayment(ctx context.Context, ref string) (*Payment, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("payment client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	endpoint := fmt.Sprintf("%s/api/payments/%s", base, url.PathEscape(ref))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	case http.StatusNoContent, http.StatusNotFound:
		return nil, resp.StatusCode, 0, nil
	case http.StatusOK:
	default:
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Payment
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}

// VerifyPayment возвращает состояние оплаты заказа по ссылке платежа.
// Если шлюз сообщает сумму, она должна совпадать с amount.
// На 429 клиент ждёт Retry-After (не дольше maxRetryAfter) и повторяет запрос.
func (c *Client) VerifyPayment(ctx context.Context, ref string, amount decimal.Decimal) (model.PaymentStatus, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		p, code, retryAfter, err := c.GetPayment(ctx, ref)
		if err != nil {
			return "", err
		}

		switch code {
		case http.StatusTooManyRequests:
			if retryAfter > maxRetryAfter {
				retryAfter = maxRetryAfter
			}
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			continue
		case http.StatusNoContent, http.StatusNotFound:
			return "", ErrPaymentNotFound
		}

		switch strings.ToUpper(p.Status) {
		case "AUTHORIZED", "CAPTURED", "PAID":
			if p.Amount != nil && !p.Amount.Equal(amount) {
				return "", fmt.Errorf("%w: gateway %s, cart %s", ErrAmountMismatch, p.Amount.StringFixed(2), amount.StringFixed(2))
			}
			return model.PaymentStatusPaid, nil
		case "CREATED", "PENDING", "PROCESSING":
			return model.PaymentStatusPending, nil
		case "FAILED", "DECLINED", "CANCELLED", "REFUNDED":
			return "", ErrPaymentDeclined
		default:
			return "", fmt.Errorf("unknown payment status %q", p.Status)
		}
	}
	return "", ErrRateLimited
}
