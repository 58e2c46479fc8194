// Package sender abstracts the carrier hand-off. The dispatch pipeline does
// not define how messages physically reach a carrier; it only needs a send
// call bounded by the per-attempt timeout.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/apperrors"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, item store.Item) error
}

// HTTPSender posts messages to a carrier webhook. Timeouts, connection
// errors and 5xx responses are transient and flow into the retry engine;
// other 4xx responses are permanent.
type HTTPSender struct {
	url    string
	client *http.Client
	logger *log.Logger
}

func NewHTTPSender(url string, timeout time.Duration, logger *log.Logger) *HTTPSender {
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type carrierRequest struct {
	To       string            `json:"to"`
	Message  string            `json:"message"`
	Parts    int               `json:"parts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, item store.Item) error {
	body, err := json.Marshal(carrierRequest{
		To:       item.Destination,
		Message:  item.Message,
		Parts:    item.Parts,
		Metadata: item.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal carrier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build carrier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return apperrors.TransientSend("carrier send timeout", err)
		}
		return apperrors.TransientSend("carrier send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.TransientSend("carrier send", fmt.Errorf("carrier returned %d", resp.StatusCode))
	default:
		s.logger.Warn("Carrier rejected message", zap.Int("status", resp.StatusCode), zap.Int64("id", item.ID))
		return fmt.Errorf("carrier rejected message: status %d", resp.StatusCode)
	}
}
