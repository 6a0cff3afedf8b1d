// Package telegram reads trade alerts from Telegram chats through the Bot API
// long-polling endpoint.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
)

const (
	defaultBaseURL     = "https://api.telegram.org"
	defaultPollTimeout = 30 * time.Second
	maxRetryInterval   = time.Minute
)

// Config configures the bot client.
type Config struct {
	Token       string
	BaseURL     string
	ChatIDs     []int64 // empty accepts every chat
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

// Handler receives the text of an eligible message and its stable id
// ("<chat_id>:<message_id>").
type Handler func(ctx context.Context, text, messageID string) error

// Client polls getUpdates and dispatches eligible messages.
type Client struct {
	token       string
	baseURL     string
	allowed     map[int64]struct{}
	pollTimeout time.Duration
	http        *http.Client
	offset      int64
	onPollError func()
}

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout + 10*time.Second}
	}
	allowed := make(map[int64]struct{}, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		allowed[id] = struct{}{}
	}
	return &Client{
		token:       cfg.Token,
		baseURL:     base,
		allowed:     allowed,
		pollTimeout: timeout,
		http:        httpClient,
	}
}

// OnPollError registers a callback invoked after every failed poll.
func (c *Client) OnPollError(fn func()) { c.onPollError = fn }

// Run long-polls until ctx is canceled. Poll failures are retried with
// exponential backoff; handler errors are logged and do not stop the loop.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxRetryInterval

	log.Printf("telegram: polling (%d chats allowed)", len(c.allowed))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.onPollError != nil {
				c.onPollError()
			}
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxRetryInterval
			}
			log.Printf("telegram: getUpdates failed, retry in %s: %v", sleep, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}
		backoffCfg.Reset()

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			msg := u.post()
			if msg == nil || !c.eligible(msg.Chat.ID) {
				continue
			}
			text := msg.content()
			if strings.TrimSpace(text) == "" {
				continue
			}
			if err := h(ctx, text, MessageID(msg.Chat.ID, msg.MessageID)); err != nil {
				log.Printf("telegram: handle message %d in %d: %v", msg.MessageID, msg.Chat.ID, err)
			}
		}
	}
}

// MessageID builds the dedup key for a chat message.
func MessageID(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

func (c *Client) eligible(chatID int64) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[chatID]
	return ok
}

func (c *Client) getUpdates(ctx context.Context) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(c.offset, 10))
	q.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	q.Set("allowed_updates", `["message","channel_post"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.method("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := c.do(req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) method(name string) string {
	return c.baseURL + "/bot" + c.token + "/" + name
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// the URL carries the bot token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode telegram response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.OK {
		return &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode telegram result: %w", err)
		}
	}
	return nil
}

// APIError is a Bot API error reply.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}
