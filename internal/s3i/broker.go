package s3i

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBrokerURL is the REST endpoint of the S3I broker.
const DefaultBrokerURL = "https://broker.s3i.vswf.dev"

// maxMessageSize bounds a single received message; camera images travel inline.
const maxMessageSize = 64 << 20

// Broker is a client for the S3I broker REST interface.
type Broker struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewBroker creates a broker client. An empty baseURL selects DefaultBrokerURL.
func NewBroker(baseURL string, tokens TokenSource, client *http.Client, logger *slog.Logger) *Broker {
	if baseURL == "" {
		baseURL = DefaultBrokerURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, client: client, logger: logger}
}

func (b *Broker) endpointURL(endpoint string) string {
	return b.baseURL + "/" + endpoint
}

// Send posts message to endpoint. The broker answers 201 on success.
func (b *Broker) Send(ctx context.Context, endpoint string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("s3i: encode message: %w", err)
	}
	_, err = b.do(ctx, http.MethodPost, endpoint, payload, http.StatusCreated)
	if err != nil {
		return err
	}
	b.logger.Debug("s3i: message sent", slog.String("endpoint", endpoint))
	return nil
}

// Receive pops one message from queue. It returns nil, nil when the queue is empty.
func (b *Broker) Receive(ctx context.Context, queue string) ([]byte, error) {
	body, err := b.do(ctx, http.MethodGet, queue, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return body, nil
}

// ReceiveAll pops every queued message at once.
func (b *Broker) ReceiveAll(ctx context.Context, queue string) ([][]byte, error) {
	body, err := b.do(ctx, http.MethodGet, queue+"/all", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Op: "decode message list", Err: err}
	}
	out := make([][]byte, 0, len(raw))
	for _, m := range raw {
		out = append(out, []byte(m))
	}
	return out, nil
}

func (b *Broker) do(ctx context.Context, method, endpoint string, payload []byte, want int) ([]byte, error) {
	tok, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.endpointURL(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("s3i: build request: %w", err)
	}
	req.Header.Set("Authorization", tok.Header())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &Error{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, &Error{Op: "read " + endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != want {
		return nil, &Error{Op: method + " " + endpoint, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
