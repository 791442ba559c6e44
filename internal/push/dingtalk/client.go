package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Sender is what alerting needs from a robot webhook.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Response, error)
}

// Client posts to a custom group robot, signing each call when a secret is
// set.
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

// Throttled reports the robot's per-minute quota being spent.
func (r *Response) Throttled() bool { return r != nil && r.ErrCode == ErrCodeTooFast }

type markdownRequest struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
}

type markdownBody struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func NewClient(webhook, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewClientWithHTTP(webhook, secret, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(webhook, secret string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{webhook: webhook, secret: secret, httpClient: hc, now: time.Now}
}

// Enabled reports whether a webhook is configured.
func (c *Client) Enabled() bool { return c != nil && c.webhook != "" }

// Send posts msg as markdown. A non-zero errcode is returned in Response,
// not as an error.
func (c *Client) Send(ctx context.Context, msg Message) (*Response, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("dingtalk webhook is empty")
	}
	body, err := json.Marshal(markdownRequest{
		MsgType:  "markdown",
		Markdown: markdownBody{Title: msg.Title, Text: msg.Text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint, err := signURL(c.webhook, c.secret, c.now())
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
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dingtalk http status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	ev := log.Debug()
	if out.ErrCode != 0 {
		ev = log.Warn()
	}
	ev.Int("errcode", out.ErrCode).Str("errmsg", out.ErrMsg).Str("title", msg.Title).Msg("dingtalk robot replied")
	return &out, nil
}

// signURL appends timestamp and sign, the HMAC-SHA256 of
// "<ms timestamp>\n<secret>" keyed by the secret. Without a secret the
// webhook is used as is.
func signURL(webhook, secret string, at time.Time) (string, error) {
	if secret == "" {
		return webhook, nil
	}
	u, err := url.Parse(webhook)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))

	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
