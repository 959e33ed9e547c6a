package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
)

// Pusher delivers messages to one subscriber in a single call.
type Pusher interface {
	Push(ctx context.Context, to string, msgs ...Message) error
}

// PushRequest is the JSON body of a push call.
type PushRequest struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

// HTTPPusher posts to a bearer-authenticated push endpoint. Only HTTP 200 is
// success; failures are not retried.
type HTTPPusher struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *http.Client
}

func NewHTTPPusher(endpoint, token string, timeout time.Duration) *HTTPPusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPusher{
		endpoint: endpoint,
		token:    token,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

func (p *HTTPPusher) Push(ctx context.Context, to string, msgs ...Message) error {
	const op = "transport.push"
	if len(msgs) == 0 {
		return apperr.Validationf(op, "no messages to push")
	}
	body, err := json.Marshal(PushRequest{To: to, Messages: msgs})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperr.Transport(op, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return apperr.Transport(op, err, "push to %s", to)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Transportf(op, "push to %s: status %d: %s", to, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogPusher only logs what would have been sent; used for dry runs.
type LogPusher struct{}

func (LogPusher) Push(_ context.Context, to string, msgs ...Message) error {
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		log.Info().Str("to", to).Str("type", m.MessageType()).RawJSON("message", b).Msg("push (dry run)")
	}
	return nil
}

// New builds the Pusher selected by cfg.Transport.Kind.
func New(cfg config.Config) (Pusher, error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case "", "line":
		if cfg.Transport.Token == "" {
			return nil, apperr.Configurationf("transport.new", "transport token is required")
		}
		return NewHTTPPusher(cfg.Transport.Endpoint, cfg.Transport.Token, cfg.Transport.Timeout), nil
	case "lark":
		if cfg.Lark.AppID == "" || cfg.Lark.AppSecret == "" {
			return nil, apperr.Configurationf("transport.new", "lark app_id and app_secret are required")
		}
		return NewLarkPusher(cfg.Lark.AppID, cfg.Lark.AppSecret, cfg.Transport.Timeout), nil
	case "log":
		return LogPusher{}, nil
	default:
		return nil, apperr.Configurationf("transport.new", "unknown transport kind %q", cfg.Transport.Kind)
	}
}
