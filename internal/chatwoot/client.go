package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xxxsen/ragchat/internal/ai"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
	maxMediaBytes            = 16 << 20
)

type ClientConfig struct {
	BaseURL        string
	AccountID      string
	APIAccessToken string
	Timeout        time.Duration
}

// Client posts outgoing messages to the Chatwoot conversations API. Requests
// are paced by a shared token bucket.
type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" || cfg.AccountID == "" {
		return nil, fmt.Errorf("chatwoot base_url and account_id are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   normalizeBaseURL(cfg.BaseURL),
		accountID: cfg.AccountID,
		token:     cfg.APIAccessToken,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}, nil
}

// normalizeBaseURL keeps scheme and host only, so a base url copied from the
// dashboard still works.
func normalizeBaseURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	return u.Scheme + "://" + u.Host
}

func (c *Client) messagesURL(conversationID int64) string {
	return fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%d/messages", c.baseURL, c.accountID, conversationID)
}

type outgoingMessage struct {
	Content           string                 `json:"content"`
	MessageType       string                 `json:"message_type"`
	Private           bool                   `json:"private"`
	ContentType       string                 `json:"content_type"`
	ContentAttributes map[string]interface{} `json:"content_attributes"`
}

// SendText posts a text reply. botToken, when set, is used instead of the
// account token so the reply is attributed to the agent bot.
func (c *Client) SendText(ctx context.Context, conversationID int64, content, botToken string) error {
	body, err := json.Marshal(outgoingMessage{
		Content:           content,
		MessageType:       "outgoing",
		ContentType:       "text",
		ContentAttributes: map[string]interface{}{},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(conversationID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, botToken)
}

// SendMedia downloads mediaURL and posts it as an attachment with caption.
func (c *Client) SendMedia(ctx context.Context, conversationID int64, mediaURL, caption, botToken string) error {
	data, contentType, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return err
	}
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fields := [][2]string{{"content", caption}, {"message_type", "outgoing"}, {"private", "false"}}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename=%q`, mediaFilename(mediaURL)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(conversationID), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(ctx, req, botToken)
}

func (c *Client) fetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media url %q: %w", mediaURL, appErr.ErrInvalid)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media %s: status %d: %w", mediaURL, resp.StatusCode, appErr.ErrInvalid)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty media at %s: %w", mediaURL, appErr.ErrInvalid)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media at %s: %w", mediaURL, appErr.ErrPayloadTooLarge)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimetype.Detect(data).String()
	}
	return data, contentType, nil
}

func mediaFilename(mediaURL string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "image.jpg"
}

func (c *Client) do(ctx context.Context, req *http.Request, botToken string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token := c.token
	if botToken != "" {
		token = botToken
	}
	req.Header.Set("api_access_token", token)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatwoot request: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &ai.HTTPError{Provider: "chatwoot", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	logutil.GetLogger(ctx).Debug("chatwoot message sent",
		zap.String("url", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("cost", time.Since(start)),
	)
	return nil
}
