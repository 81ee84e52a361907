package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "valid", body: `{"jobId":"abc"}`, want: "abc"},
		{name: "extra fields ignored", body: `{"jobId":"abc","other":1}`, want: "abc"},
		{name: "missing id", body: `{}`, wantErr: true},
		{name: "not json", body: `jobId=abc`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.JobID)
		})
	}
}

func TestHTTPPublisher_Publish(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotType string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"m1"}`))
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL+"/", "tok", WithHTTPLogger(discardLogger()))
	err := p.Publish(context.Background(), "https://app.example.com/api/v1/agent-jobs/worker", Message{JobID: "j1"})
	require.NoError(t, err)

	assert.Equal(t, "/v2/publish/https://app.example.com/api/v1/agent-jobs/worker", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, ContentType, gotType)
	assert.JSONEq(t, `{"jobId":"j1"}`, string(gotBody))
}

func TestHTTPPublisher_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "bad", WithHTTPClient(srv.Client()), WithHTTPLogger(discardLogger()))
	err := p.Publish(context.Background(), "https://app.example.com/cb", Message{JobID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid token")
}

func TestHTTPPublisher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewHTTPPublisher(url, "tok", WithHTTPLogger(discardLogger()))
	assert.Error(t, p.Publish(context.Background(), "https://app.example.com/cb", Message{JobID: "j1"}))
}

type fakeChannel struct {
	body        []byte
	contentType string
	headers     amqp.Table
	err         error
}

func (f *fakeChannel) PublishWithRetry(_ context.Context, body []byte, contentType string, headers amqp.Table) error {
	f.body = body
	f.contentType = contentType
	f.headers = headers
	return f.err
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := NewAMQPPublisher(ch)

	require.NoError(t, p.Publish(context.Background(), "https://app/cb", Message{JobID: "j1"}))
	assert.JSONEq(t, `{"jobId":"j1"}`, string(ch.body))
	assert.Equal(t, ContentType, ch.contentType)
	assert.Equal(t, "https://app/cb", ch.headers[CallbackHeader])

	ch.err = errors.New("channel closed")
	assert.ErrorIs(t, p.Publish(context.Background(), "https://app/cb", Message{JobID: "j2"}), ch.err)
}

func TestSignature(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signer := NewSigner("current-key")
	signer.now = clock
	body := []byte(`{"jobId":"j1"}`)
	url := "https://app.example.com/api/v1/agent-jobs/worker"

	token, err := signer.Sign(url, body)
	require.NoError(t, err)

	nextSigner := NewSigner("next-key")
	nextSigner.now = clock
	rotated, err := nextSigner.Sign(url, body)
	require.NoError(t, err)

	verifier := NewVerifier("current-key", "next-key", WithVerifierClock(clock))

	tests := []struct {
		name    string
		token   string
		url     string
		body    []byte
		wantErr bool
	}{
		{name: "current key", token: token, url: url, body: body},
		{name: "next key", token: rotated, url: url, body: body},
		{name: "url not checked when empty", token: token, body: body},
		{name: "missing token", token: "", url: url, body: body, wantErr: true},
		{name: "garbage token", token: "not.a.jwt", url: url, body: body, wantErr: true},
		{name: "tampered body", token: token, url: url, body: []byte(`{"jobId":"j2"}`), wantErr: true},
		{name: "other url", token: token, url: "https://evil.example.com/", body: body, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifier.Verify(tt.token, tt.url, tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}

	t.Run("unknown key", func(t *testing.T) {
		other := NewVerifier("someone-else", "", WithVerifierClock(clock))
		assert.ErrorIs(t, other.Verify(token, url, body), ErrInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewVerifier("current-key", "", WithVerifierClock(func() time.Time { return now.Add(time.Hour) }))
		assert.ErrorIs(t, late.Verify(token, url, body), ErrInvalidSignature)
	})

	t.Run("no keys", func(t *testing.T) {
		assert.ErrorIs(t, NewVerifier("", "").Verify(token, url, body), ErrInvalidSignature)
	})

	t.Run("empty signing key", func(t *testing.T) {
		_, err := NewSigner("").Sign(url, body)
		assert.Error(t, err)
	})
}

func TestLoopback_DeliversSignedMessage(t *testing.T) {
	var (
		mu        sync.Mutex
		signature string
		received  Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		signature = r.Header.Get(SignatureHeader)
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lb := NewLoopback(NewSigner("current-key"), srv.Client(), discardLogger())
	dest := srv.URL + "/api/v1/agent-jobs/worker"

	require.NoError(t, lb.Publish(context.Background(), dest, Message{JobID: "j1"}))
	lb.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "j1", received.JobID)

	body, err := Message{JobID: "j1"}.Encode()
	require.NoError(t, err)
	assert.NoError(t, NewVerifier("current-key", "").Verify(signature, dest, body))
}

func TestLoopback_SigningFailure(t *testing.T) {
	lb := NewLoopback(NewSigner(""), nil, discardLogger())
	assert.Error(t, lb.Publish(context.Background(), "http://127.0.0.1:1/cb", Message{JobID: "j1"}))
	lb.Wait()
}
