// Package gateway is the HTTP/JSON client for the chat messaging
// backend. It speaks the Telegram-style bot protocol: messages are
// sent with POST {send_path} and inbound updates are polled with
// GET {updates_path}?offset=N, where re-issuing the poll with a higher
// offset acknowledges everything below it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/habitual/internal/config"
	"github.com/nugget/habitual/internal/httpkit"
	"github.com/nugget/habitual/internal/metrics"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
	errorBodyLimit  = 512
)

// Config configures a Client.
type Config struct {
	// URL is the gateway base URL. A literal "{token}" is replaced by
	// Token; otherwise a non-empty Token is sent as a bearer header.
	URL   string
	Token string

	SendPath    string // default "/send"
	UpdatesPath string // default "/updates"

	Timeout   time.Duration
	SendRate  float64 // sends per second; <= 0 means unlimited
	SendBurst int
}

// ConfigFrom maps the gateway section of the service configuration.
func ConfigFrom(c config.GatewayConfig) Config {
	return Config{
		URL:         c.URL,
		Token:       c.Token,
		SendPath:    c.SendPath,
		UpdatesPath: c.UpdatesPath,
		Timeout:     c.Timeout(),
		SendRate:    c.SendRate,
		SendBurst:   c.SendBurst,
	}
}

// Client talks to the messaging gateway. It is safe for concurrent use.
type Client struct {
	sendURL    string
	updatesURL string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a gateway client. Extra httpkit options are applied
// after the defaults.
func New(cfg Config, logger *slog.Logger, opts ...httpkit.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SendPath == "" {
		cfg.SendPath = "/send"
	}
	if cfg.UpdatesPath == "" {
		cfg.UpdatesPath = "/updates"
	}

	base := strings.TrimRight(cfg.URL, "/")
	clientOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	switch {
	case strings.Contains(base, "{token}"):
		base = strings.ReplaceAll(base, "{token}", cfg.Token)
	case cfg.Token != "":
		clientOpts = append(clientOpts, httpkit.WithHeader("Authorization", "Bearer "+cfg.Token))
	}
	clientOpts = append(clientOpts, opts...)

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := max(cfg.SendBurst, 1)

	return &Client{
		sendURL:    base + "/" + strings.TrimLeft(cfg.SendPath, "/"),
		updatesURL: base + "/" + strings.TrimLeft(cfg.UpdatesPath, "/"),
		http:       httpkit.NewClient(clientOpts...),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Send delivers text to chatID. It returns true when the gateway
// accepted the message and false, nil when it answered ok=false.
// Sends are throttled by the client's rate limiter.
func (c *Client) Send(ctx context.Context, chatID, text string) (ok bool, err error) {
	result := "ok"
	defer func() {
		if err != nil {
			result = resultLabel(err)
		}
		metrics.GatewayRequests.WithLabelValues("send", result).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return false, &Error{Op: "send", Kind: ErrUnavailable, Err: err}
	}

	body, err := json.Marshal(sendRequest{ChatID: chatID, Text: text})
	if err != nil {
		return false, fmt.Errorf("encode send request: %w", err)
	}

	var resp sendResponse
	status, err := c.do(ctx, "send", http.MethodPost, c.sendURL, body, &resp)
	if err != nil {
		return false, err
	}
	if resp.OK == nil {
		return false, &Error{Op: "send", Kind: ErrMalformedResponse, StatusCode: status,
			Err: fmt.Errorf("response has no ok field")}
	}
	if !*resp.OK {
		result = "rejected"
		c.logger.Warn("gateway rejected message",
			"chat_id", chatID,
			"status", status,
			"description", resp.Description,
		)
		return false, nil
	}

	c.logger.Debug("gateway message sent", "chat_id", chatID, "len", len(text))
	return true, nil
}

// Receive fetches inbound messages with update ids >= cursor. The
// returned next cursor is one past the highest update id seen, or
// cursor itself when there were no updates. Updates that carry no
// message or chat id are skipped but still advance the cursor.
func (c *Client) Receive(ctx context.Context, cursor int64) (msgs []Message, next int64, err error) {
	defer func() {
		metrics.GatewayRequests.WithLabelValues("receive", resultLabel(err)).Inc()
	}()

	u := c.updatesURL + "?offset=" + strconv.FormatInt(cursor, 10)
	resp, err := c.getUpdates(ctx, "receive", u)
	if err != nil {
		return nil, cursor, err
	}

	next = cursor
	for i, up := range resp.Result {
		if up.UpdateID == nil {
			return nil, cursor, &Error{Op: "receive", Kind: ErrMalformedResponse,
				Err: fmt.Errorf("update %d has no update_id", i)}
		}
		id := *up.UpdateID
		if id >= next {
			next = id + 1
		}
		if up.Message == nil || up.Message.Chat == nil || up.Message.Chat.ID == "" {
			c.logger.Warn("skipping update without chat message", "update_id", id)
			continue
		}
		msgs = append(msgs, Message{
			UpdateID: id,
			ChatID:   string(up.Message.Chat.ID),
			Text:     up.Message.Text,
		})
	}

	if len(resp.Result) > 0 {
		c.logger.Debug("gateway updates received",
			"count", len(resp.Result),
			"messages", len(msgs),
			"cursor", cursor,
			"next", next,
		)
	}
	return msgs, next, nil
}

// Ack tells the gateway that every update below offset has been
// processed by re-issuing the poll with that offset.
func (c *Client) Ack(ctx context.Context, offset int64) (err error) {
	defer func() {
		metrics.GatewayRequests.WithLabelValues("ack", resultLabel(err)).Inc()
	}()

	u := c.updatesURL + "?offset=" + strconv.FormatInt(offset, 10)
	_, err = c.do(ctx, "ack", http.MethodGet, u, nil, nil)
	return err
}

// Ping checks that the gateway is reachable and accepts the token.
// It polls without an offset so nothing is acknowledged.
func (c *Client) Ping(ctx context.Context) (err error) {
	defer func() {
		metrics.GatewayRequests.WithLabelValues("ping", resultLabel(err)).Inc()
	}()

	_, err = c.getUpdates(ctx, "ping", c.updatesURL+"?limit=1")
	return err
}

func (c *Client) getUpdates(ctx context.Context, op, u string) (*updatesResponse, error) {
	var resp updatesResponse
	status, err := c.do(ctx, op, http.MethodGet, u, nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.OK != nil && !*resp.OK {
		return nil, &Error{Op: op, Kind: ErrRejected, StatusCode: status,
			Err: fmt.Errorf("%s", resp.Description)}
	}
	if resp.Result == nil {
		return nil, &Error{Op: op, Kind: ErrMalformedResponse, StatusCode: status,
			Err: fmt.Errorf("response has no result array")}
	}
	return &resp, nil
}

// do performs one request. With a non-nil out the body is decoded
// into it; with a nil out any 4xx status is reported as ErrRejected.
func (c *Client) do(ctx context.Context, op, method, u string, body []byte, out any) (int, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		c.logger.Log(ctx, config.LevelTrace, "gateway request", "op", op, "body", string(body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Op: op, Kind: ErrUnavailable, Err: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		msg := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return resp.StatusCode, &Error{Op: op, Kind: ErrUnavailable, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(msg))}
	}
	if out == nil {
		if resp.StatusCode >= http.StatusBadRequest {
			msg := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
			return resp.StatusCode, &Error{Op: op, Kind: ErrRejected, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%s", strings.TrimSpace(msg))}
		}
		httpkit.DrainAndClose(resp.Body, maxResponseBody)
		return resp.StatusCode, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return resp.StatusCode, &Error{Op: op, Kind: ErrUnavailable, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Log(ctx, config.LevelTrace, "gateway response", "op", op, "status", resp.StatusCode, "body", string(data))

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, &Error{Op: op, Kind: ErrMalformedResponse, StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, nil
}
