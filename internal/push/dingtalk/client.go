// Package dingtalk sends markdown messages to a DingTalk group robot.
package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoWebhook is returned when the client has nowhere to send.
var ErrNoWebhook = errors.New("dingtalk webhook is empty")

// APIError is a robot answer with a non-zero errcode, for example 310000
// when the signature does not match.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dingtalk errcode=%d errmsg=%s", e.Code, e.Msg)
}

// StatusError is a non-2xx HTTP answer from the webhook.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dingtalk status %d", e.StatusCode)
}

type Client struct {
	webhook    string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

type Response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type markdownMessage struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
}

type markdownBody struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// NewClient builds a robot client. A non-positive timeout becomes 5s.
func NewClient(webhook, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		webhook:    webhook,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SendMarkdown posts one markdown message. A decoded answer with a non-zero
// errcode is returned together with an *APIError.
func (c *Client) SendMarkdown(ctx context.Context, title, markdown string) (*Response, error) {
	if c.webhook == "" {
		return nil, ErrNoWebhook
	}
	body, err := json.Marshal(markdownMessage{
		MsgType:  "markdown",
		Markdown: markdownBody{Title: title, Text: markdown},
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post dingtalk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dingtalk answer: %w", err)
	}
	if out.ErrCode != 0 {
		return &out, &APIError{Code: out.ErrCode, Msg: out.ErrMsg}
	}
	return &out, nil
}

// endpoint appends timestamp and sign when the robot has a secret.
func (c *Client) endpoint() (string, error) {
	if c.secret == "" {
		return c.webhook, nil
	}
	u, err := url.Parse(c.webhook)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", sign(ts+"\n"+c.secret, c.secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
