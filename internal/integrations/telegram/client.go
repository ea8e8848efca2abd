// Package telegram sends mini-app notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	silentText = "You have updates!"
	buttonText = "Open Mini App"
)

// APIError is a Telegram response with ok=false or a non-2xx status.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.StatusCode, e.Description)
}

type Client struct {
	baseURL     string
	token       string
	miniApp     string
	httpc       *http.Client
	newNotifyID func() string

	// lookup admits one getMe at a time; waiters give up with their ctx.
	lookup   chan struct{}
	username atomic.Pointer[string]
}

func New(baseURL, token, miniApp string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		miniApp:     miniApp,
		httpc:       &http.Client{Timeout: 10 * time.Second},
		newNotifyID: uuid.NewString,
		lookup:      make(chan struct{}, 1),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type sendMessageReq struct {
	ChatID              int64  `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	ReplyMarkup         *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

// Send delivers text with a one-button keyboard opening the mini app. deepLink
// params travel inside the startapp parameter.
func (c *Client) Send(ctx context.Context, chatID int64, text string, deepLink map[string]string) error {
	link, err := c.DeepLink(ctx, deepLink)
	if err != nil {
		return err
	}

	req := sendMessageReq{ChatID: chatID, Text: text, ParseMode: "HTML"}
	req.ReplyMarkup = &struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	}{InlineKeyboard: [][]inlineButton{{{Text: buttonText, URL: link}}}}

	return c.call(ctx, "sendMessage", req, nil)
}

// SendSilent pings the user without sound.
func (c *Client) SendSilent(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendMessage", sendMessageReq{
		ChatID:              chatID,
		Text:                silentText,
		DisableNotification: true,
	}, nil)
}

// DeepLink builds https://t.me/<bot>/<app>?startapp=<base64url(json)>. The json
// always carries a fresh notification_id.
func (c *Client) DeepLink(ctx context.Context, params map[string]string) (string, error) {
	bot, err := c.botUsername(ctx)
	if err != nil {
		return "", err
	}

	payload := make(map[string]string, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["notification_id"] = c.newNotifyID()

	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal startapp")
	}
	q := url.Values{"startapp": {base64.URLEncoding.EncodeToString(b)}}
	return fmt.Sprintf("https://t.me/%s/%s?%s", bot, c.miniApp, q.Encode()), nil
}

func (c *Client) botUsername(ctx context.Context) (string, error) {
	if u := c.username.Load(); u != nil {
		return *u, nil
	}

	select {
	case c.lookup <- struct{}{}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "telegram getMe")
	}
	defer func() { <-c.lookup }()

	if u := c.username.Load(); u != nil {
		return *u, nil
	}

	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return "", err
	}
	if me.Username == "" {
		return "", errors.New("telegram getMe: empty username")
	}
	c.username.Store(&me.Username)
	return me.Username, nil
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return errors.Wrap(err, "marshal request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, &body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// the url carries the token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return errors.Wrapf(err, "telegram %s", method)
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{Method: method, StatusCode: resp.StatusCode}
		}
		return errors.Wrap(err, "decode")
	}
	if resp.StatusCode/100 != 2 || !r.OK {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: r.Description}
	}
	if out != nil {
		return errors.Wrap(json.Unmarshal(r.Result, out), "decode result")
	}
	return nil
}
