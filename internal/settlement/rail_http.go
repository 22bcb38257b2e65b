package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRail calls a payment rail over HTTP. The rail deduplicates on the
// instruction id, so retried dispatches are safe.
type HTTPRail struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRail creates a rail client for the given endpoint. The overall
// deadline comes from the dispatch context; the client itself sets none.
func NewHTTPRail(endpoint string) *HTTPRail {
	return &HTTPRail{endpoint: endpoint, client: &http.Client{}}
}

type railResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

func (r *HTTPRail) Transfer(ctx context.Context, instruction Instruction) (Receipt, error) {
	body, err := json.Marshal(instruction)
	if err != nil {
		return Receipt{}, &RailError{Permanent: true, Msg: fmt.Sprintf("encode instruction: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/transfers", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &RailError{Permanent: true, Msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", instruction.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("rail transfer: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("rail response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded railResponse
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Receipt{}, fmt.Errorf("decode rail response: %w", err)
		}
		return Receipt{Reference: decoded.Reference}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, &RailError{Msg: "rail throttled transfer, retry later"}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var decoded railResponse
		_ = json.Unmarshal(payload, &decoded)
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("rail rejected transfer: status %d", resp.StatusCode)
		}
		return Receipt{}, &RailError{Permanent: true, Msg: msg}
	default:
		return Receipt{}, fmt.Errorf("rail unavailable: status %d", resp.StatusCode)
	}
}
