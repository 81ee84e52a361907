package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Loopback delivers messages straight to the callback URL, signed the way the
// hosted broker signs them. It is meant for local development where no broker
// is reachable. Delivery happens in the background; Publish only fails when
// the message cannot be signed.
type Loopback struct {
	signer *Signer
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

var _ Publisher = (*Loopback)(nil)

// NewLoopback creates a loopback publisher signing with signer
func NewLoopback(signer *Signer, client *http.Client, logger *slog.Logger) *Loopback {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loopback{signer: signer, client: client, logger: logger}
}

func (l *Loopback) Publish(ctx context.Context, destination string, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	signature, err := l.signer.Sign(destination, body)
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.deliver(context.WithoutCancel(ctx), destination, signature, body, msg.JobID)
	}()
	return nil
}

func (l *Loopback) deliver(ctx context.Context, destination, signature string, body []byte, jobID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		l.logger.Error("Failed to build loopback request",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(SignatureHeader, signature)

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Error("Loopback delivery failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	l.logger.Debug("Loopback delivery finished",
		slog.String("job_id", jobID),
		slog.Int("status", resp.StatusCode),
	)
}

// Wait blocks until every in-flight delivery has returned
func (l *Loopback) Wait() {
	l.wg.Wait()
}
