package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// ErrBadResponse marks a backend answer that retrying will not fix
var ErrBadResponse = errors.New("scoring backend rejected request")

// HTTPBackend posts requests as JSON to a remote classifier
type HTTPBackend struct {
	endpoint string
	client   *http.Client
	validate *validator.Validate
}

// wireResult is the response body; severity must be present so a missing
// field is not read as zero
type wireResult struct {
	Severity *float64 `json:"severity" validate:"required"`
	Label    string   `json:"label" validate:"required,max=64,printascii"`
}

// NewHTTPBackend creates a backend for endpoint. Deadlines come from the
// caller's context; client is optional.
func NewHTTPBackend(endpoint string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPBackend{endpoint: endpoint, client: client, validate: validator.New()}
}

// Name implements Backend
func (h *HTTPBackend) Name() string {
	return "http"
}

// Score implements Backend
func (h *HTTPBackend) Score(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, domain.BackendTimeout(h.Name(), err)
		}
		return Result{}, domain.BackendUnavailable(h.Name(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, domain.BackendUnavailable(h.Name(), fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var wire wireResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, domain.BackendTimeout(h.Name(), err)
		}
		return Result{}, fmt.Errorf("%w: decode: %w", ErrBadResponse, err)
	}
	if err := h.validate.Struct(wire); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return Result{Severity: *wire.Severity, Label: wire.Label}, nil
}
