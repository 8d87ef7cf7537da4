/*
client.go - Payment gateway refund client

PURPOSE:
  Asks the payment gateway to refund a card booking and turns its answer
  into the opaque generic.RefundResult the compensation engine classifies.

OUTCOMES:
  2xx {"id": "..."}       -> RefundResult{ID}     (refund initiated)
  4xx {"error": "..."}    -> RefundResult{Error}  (gateway rejected the refund)
  4xx, body not JSON      -> RefundResult{Error}  (status text as the reason)
  5xx, timeout, transport -> error                (outcome unknown, nothing recorded)

  An unknown outcome must not be classified: the refund may or may not
  have happened. The caller retries; the Idempotency-Key header (the
  booking id) makes the gateway answer a retry with the original result.

NO RETRIES:
  The client makes exactly one request per call.

SEE ALSO:
  - booking/compensation.go: Classify
  - api/handlers.go: CancelBooking calls Refund for card bookings
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/generic"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type refundRequest struct {
	BookingID  string          `json:"booking_id"`
	PaymentRef string          `json:"payment_ref"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type refundResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Refund requests a full refund of a card booking.
func (c *Client) Refund(ctx context.Context, b generic.Booking) (*generic.RefundResult, error) {
	if b.PaymentMethod != generic.PaymentCard {
		return nil, fmt.Errorf("%w: booking %s was paid with %s, not card", generic.ErrInvalidRequest, b.ID, b.PaymentMethod)
	}

	body, err := json.Marshal(refundRequest{
		BookingID:  string(b.ID),
		PaymentRef: b.PaymentRef,
		Amount:     b.AmountPaid.Value,
		Currency:   b.AmountPaid.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", string(b.ID))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refund booking %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refund response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("refund booking %s: gateway returned %d", b.ID, resp.StatusCode)
	}

	var out refundResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode >= 400 {
		// A 4xx is a definite rejection even when the body is unreadable.
		if decodeErr != nil || out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return &generic.RefundResult{Error: out.Error}, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode refund response (status %d): %w", resp.StatusCode, decodeErr)
	}
	switch {
	case out.Error != "":
		return &generic.RefundResult{Error: out.Error}, nil
	case out.ID != "":
		return &generic.RefundResult{ID: out.ID}, nil
	}
	return nil, fmt.Errorf("refund booking %s: gateway answered without id or error", b.ID)
}
