// Package edge is the client library edge workers embed to consume events
// from the proxy.
//
// A worker holds an upstream credential (obtained through the proxy's OAuth
// flow) and uses it as a bearer token. The usual integration is the stream:
//
//	client := edge.NewClient(edge.Config{
//	    ProxyURL: "https://proxy.example.com",
//	    Token:    os.Getenv("LINEAR_TOKEN"),
//	    OnWebhook: func(env edge.Envelope) {
//	        // env.Data is the verbatim upstream payload
//	    },
//	})
//	if err := client.Listen(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Listen reconnects with exponential backoff until the context ends, so a
// worker survives proxy restarts without supervision. Workers that cannot
// hold a connection open register a push target instead (Register) and
// verify inbound requests with VerifySignature.
package edge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized means the proxy rejected the bearer token. Reconnecting
// will not help; the credential needs to be re-issued.
var ErrUnauthorized = errors.New("edge: proxy rejected bearer token")

// Config holds the edge client configuration.
type Config struct {
	// ProxyURL is the proxy base URL (required).
	ProxyURL string

	// Token is the upstream credential used as the bearer (required).
	Token string

	// Timeout for plain requests: status reports, registration.
	// The stream itself has no timeout. Default 10s.
	Timeout time.Duration

	// Backoff is the initial reconnect delay, doubling up to 30s.
	// Default 1s.
	Backoff time.Duration

	// OnConnect is called after each established stream.
	OnConnect func()

	// OnWebhook is called once per webhook envelope, in arrival order.
	OnWebhook func(env Envelope)

	// OnDraining is called when the proxy announces shutdown. The client
	// reconnects on its own once a replacement instance accepts.
	OnDraining func()
}

// Client consumes the proxy event stream and reports status back.
type Client struct {
	config     Config
	httpClient *http.Client
	// streamClient carries no timeout; a stream connection lives for hours.
	streamClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	return &Client{
		config:       cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

const maxBackoff = 30 * time.Second

// Listen consumes the stream until the context ends, reconnecting on any
// transport failure. It returns nil on context cancellation and
// ErrUnauthorized when the proxy refuses the token.
func (c *Client) Listen(ctx context.Context) error {
	backoff := c.config.Backoff
	for {
		start := time.Now()
		err := c.consume(ctx)
		switch {
		case errors.Is(err, context.Canceled), ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrUnauthorized):
			return err
		}

		// A connection that held for a while was healthy; start the
		// backoff ladder over.
		if time.Since(start) > maxBackoff {
			backoff = c.config.Backoff
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume runs one stream connection to completion. A healthy connection
// only ends when the proxy drains or the network drops.
func (c *Client) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ProxyURL+"/events/stream", nil)
	if err != nil {
		return fmt.Errorf("edge: build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("edge: connect stream: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("edge: stream returned %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 2<<20)
	for sc.Scan() {
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			return fmt.Errorf("edge: malformed stream line: %w", err)
		}
		c.dispatch(env)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("edge: stream read: %w", err)
	}
	return nil
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeConnection:
		switch env.Status {
		case StatusConnected:
			if c.config.OnConnect != nil {
				c.config.OnConnect()
			}
		case StatusDraining:
			if c.config.OnDraining != nil {
				c.config.OnDraining()
			}
		}
	case TypeWebhook:
		if c.config.OnWebhook != nil {
			c.config.OnWebhook(env)
		}
	}
	// Heartbeats need no action; reading them is the point.
}

// SendStatus reports the outcome of handling one event.
func (c *Client) SendStatus(ctx context.Context, eventID, status, message string) error {
	body, err := json.Marshal(map[string]string{
		"eventId": eventID,
		"status":  status,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("edge: marshal status: %w", err)
	}

	resp, err := c.post(ctx, "/events/status", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("edge: status report returned %s", resp.Status)
	}
	return nil
}

// Register switches this edge to push delivery. The proxy will POST signed
// webhooks to targetURL; the returned Secret verifies them and is not
// retrievable later.
func (c *Client) Register(ctx context.Context, targetURL string) (*Registration, error) {
	body, err := json.Marshal(map[string]string{"url": targetURL})
	if err != nil {
		return nil, fmt.Errorf("edge: marshal registration: %w", err)
	}

	resp, err := c.post(ctx, "/edge/register", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("edge: registration returned %s", resp.Status)
	}

	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("edge: parse registration: %w", err)
	}
	return &reg, nil
}

// Unregister removes this edge's push registration.
func (c *Client) Unregister(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.ProxyURL+"/edge/register", nil)
	if err != nil {
		return fmt.Errorf("edge: build unregister request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("edge: unregister: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("edge: unregister returned %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ProxyURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("edge: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge: %s: %w", path, err)
	}
	return resp, nil
}
