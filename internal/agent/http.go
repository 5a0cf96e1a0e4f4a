package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type HTTPConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// HTTPGateway posts each Request as JSON to a single agent endpoint.
type HTTPGateway struct {
	cfg HTTPConfig
}

// New returns an HTTP gateway, or Unavailable if no URL is configured.
func New(cfg HTTPConfig) Gateway {
	if strings.TrimSpace(cfg.URL) == "" {
		return Unavailable{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPGateway{cfg: cfg}
}

func (g *HTTPGateway) Converse(ctx context.Context, in Request) (Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Response{}, fmt.Errorf("marshal agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	res, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return Response{}, fmt.Errorf("%w: %w", ErrAgentTimeout, err)
		}
		return Response{}, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Response{}, fmt.Errorf("%w: agent status %d: %s",
			ErrAgentUnavailable, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if isTimeout(ctx, err) {
			return Response{}, fmt.Errorf("%w: %w", ErrAgentTimeout, err)
		}
		return Response{}, fmt.Errorf("%w: decode agent response: %w", ErrAgentUnavailable, err)
	}
	return out.merge(), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
