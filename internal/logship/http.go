package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSink POSTs line batches as JSON to a collector endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink builds a sink for the given collector URL.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Ship sends one batch. 5xx responses are transient; 4xx means the collector
// rejected the batch and retrying is pointless.
func (h *HTTPSink) Ship(ctx context.Context, lines []string) error {
	body, err := json.Marshal(map[string]any{"lines": lines})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("log sink server error: status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("log sink rejected batch: status %d", resp.StatusCode)
	}
	return nil
}
