package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPPublisher pushes messages through a hosted HTTP broker. The broker
// accepts POST {endpoint}/v2/publish/{destination} and retries delivery on
// its own.
type HTTPPublisher struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

var _ Publisher = (*HTTPPublisher)(nil)

// HTTPOption configures an HTTPPublisher
type HTTPOption func(*HTTPPublisher)

// WithHTTPClient replaces the default instrumented client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPublisher) { p.client = c }
}

// WithHTTPLogger sets the publisher logger
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(p *HTTPPublisher) { p.logger = l }
}

// NewHTTPPublisher creates a publisher for the broker at endpoint
func NewHTTPPublisher(endpoint, token string, opts ...HTTPOption) *HTTPPublisher {
	p := &HTTPPublisher{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *HTTPPublisher) Publish(ctx context.Context, destination string, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v2/publish/"+destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", ContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker rejected message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	p.logger.Debug("Message published to broker",
		slog.String("job_id", msg.JobID),
		slog.String("destination", destination),
	)
	return nil
}
