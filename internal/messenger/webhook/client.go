// Package webhook talks to the messaging gateway over JSON/HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// DirectSuffix is appended to recipients that carry no "@server" part.
	DirectSuffix string
}

// Client implements relay.Messenger against the gateway.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type sendRequest struct {
	Recipient       string   `json:"recipient"`
	Text            string   `json:"text"`
	Mentions        []string `json:"mentions,omitempty"`
	QuotedMessageID string   `json:"quoted_message_id,omitempty"`
}

type reactRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// StatusError reports a non-2xx gateway response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Body)
}

// New creates a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DirectSuffix == "" {
		cfg.DirectSuffix = "@c.us"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, cfg: cfg, http: httpClient, logger: logger}, nil
}

// SendMessage posts text to recipient.
func (c *Client) SendMessage(ctx context.Context, recipient, text string, opts relay.SendOptions) error {
	if !strings.Contains(recipient, "@") {
		recipient += c.cfg.DirectSuffix
	}
	body := sendRequest{
		Recipient:       recipient,
		Text:            text,
		Mentions:        opts.Mentions,
		QuotedMessageID: opts.QuotedMessageID,
	}
	if err := c.do(ctx, http.MethodPost, "send message", "/messages", body, nil); err != nil {
		return err
	}
	c.logger.Debug("message sent", zap.String("recipient", recipient))
	return nil
}

// React adds emoji to a chat message.
func (c *Client) React(ctx context.Context, chatID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, "react", "/reactions",
		reactRequest{ChatID: chatID, MessageID: messageID, Emoji: emoji}, nil)
}

// ResolveContact looks up the participant behind senderID.
func (c *Client) ResolveContact(ctx context.Context, senderID string) (relay.Contact, error) {
	var contact relay.Contact
	if err := c.do(ctx, http.MethodGet, "resolve contact", "/contacts/"+url.PathEscape(senderID), nil, &contact); err != nil {
		return relay.Contact{}, err
	}
	if contact.ID == "" {
		contact.ID = senderID
	}
	return contact, nil
}

func (c *Client) do(ctx context.Context, method, op, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
