package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/ratelimit"
)

const (
	component          = "alert"
	telegramAPIBase    = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
)

// Channel is a notification sink. Send reports delivered=false with a nil
// error when the message was intentionally skipped (channel disabled or
// rate-limited); an error marks a delivery failure.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) (delivered bool, err error)
}

func newHTTPClient() *http.Client {
	client := new(http.Client)
	client.Timeout = defaultHTTPTimeout
	return client
}

// postJSON issues the request and treats any non-2xx status as a failure.
func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("marshal alert payload"), errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("create alert request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithMessage("send alert"), errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(component, errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("alert endpoint status %d", resp.StatusCode)))
	}
	return nil
}

// TelegramChannel posts via the Bot API sendMessage method.
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	limiter  *ratelimit.Limiter
}

type telegramPayload struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NewTelegramChannel builds a Telegram sink. It is disabled unless both the
// bot token and chat id are set.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   newHTTPClient(),
		limiter:  ratelimit.New(0, 0),
	}
}

func (c *TelegramChannel) Name() string  { return "telegram" }
func (c *TelegramChannel) Enabled() bool { return c.botToken != "" && c.chatID != "" }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	if !c.limiter.Allow() {
		return false, nil
	}
	c.limiter.Record()

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.botToken)
	payload := telegramPayload{ChatID: c.chatID, Text: msg.Render(), ParseMode: "HTML"}
	if err := postJSON(ctx, c.client, http.MethodPost, url, nil, payload); err != nil {
		return false, err
	}
	return true, nil
}

// DiscordChannel posts to a Discord webhook.
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
	limiter    *ratelimit.Limiter
}

type discordPayload struct {
	Content string `json:"content"`
}

// NewDiscordChannel builds a Discord sink, disabled when the URL is empty.
func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
		limiter:    ratelimit.New(0, 0),
	}
}

func (c *DiscordChannel) Name() string  { return "discord" }
func (c *DiscordChannel) Enabled() bool { return c.webhookURL != "" }

func (c *DiscordChannel) Send(ctx context.Context, msg Message) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	if !c.limiter.Allow() {
		return false, nil
	}
	c.limiter.Record()

	if err := postJSON(ctx, c.client, http.MethodPost, c.webhookURL, nil, discordPayload{Content: msg.Render()}); err != nil {
		return false, err
	}
	return true, nil
}

// WebhookChannel delivers the raw Message JSON to an arbitrary endpoint.
type WebhookChannel struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewWebhookChannel builds a generic webhook sink. Method defaults to POST.
func NewWebhookChannel(url, method string, headers map[string]string) *WebhookChannel {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookChannel{
		url:     url,
		method:  method,
		headers: headers,
		client:  newHTTPClient(),
		limiter: ratelimit.New(0, 0),
	}
}

func (c *WebhookChannel) Name() string  { return "webhook" }
func (c *WebhookChannel) Enabled() bool { return c.url != "" }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	if !c.limiter.Allow() {
		return false, nil
	}
	c.limiter.Record()

	if err := postJSON(ctx, c.client, c.method, c.url, c.headers, msg); err != nil {
		return false, err
	}
	return true, nil
}
