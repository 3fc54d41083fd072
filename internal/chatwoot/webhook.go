package chatwoot

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

// ErrIgnored marks webhook events that are valid but need no answer.
var ErrIgnored = errors.New("event ignored")

const signatureHeader = "X-Chatwoot-Signature"

var tokenHeaders = []string{
	"X-Chatwoot-Bot-Token",
	"X-Chatwoot-Webhook-Token",
	"X-Chatwoot-Token",
	"X-Chatwoot-Api-Access-Token",
	"Api-Access-Token",
	"X-Api-Access-Token",
	"api_access_token",
	"Authorization",
}

var tokenQueryParams = []string{"api_access_token", "access_token", "token", "bot_token"}

// Authorize checks a webhook delivery. Account webhooks (payload carrying an
// "event") are signed with the webhook secret; agent bot deliveries carry the
// bot token in a header or in the query string. A check with no configured
// credential passes.
func Authorize(raw []byte, header http.Header, query url.Values, secret, botToken string) bool {
	var envelope struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Event != "" {
		if secret == "" {
			return true
		}
		return validSignature(raw, header.Get(signatureHeader), secret)
	}
	if botToken == "" {
		return true
	}
	return hasToken(header, query, botToken)
}

func validSignature(raw []byte, received, secret string) bool {
	received = strings.TrimPrefix(strings.TrimSpace(received), "sha256=")
	if received == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(received)))
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func hasToken(header http.Header, query url.Values, botToken string) bool {
	for _, name := range tokenHeaders {
		val := header.Get(name)
		if val == "" {
			continue
		}
		if strings.EqualFold(name, "Authorization") {
			val = stripAuthScheme(val)
		}
		if tokenEqual(val, botToken) {
			return true
		}
	}
	for _, name := range tokenQueryParams {
		if val := query.Get(name); val != "" && tokenEqual(val, botToken) {
			return true
		}
	}
	return false
}

func stripAuthScheme(val string) string {
	scheme, rest, ok := strings.Cut(val, " ")
	if !ok {
		return val
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return strings.TrimSpace(rest)
	case "token":
		if _, tok, found := strings.Cut(rest, "token="); found {
			return strings.TrimSpace(tok)
		}
		return strings.TrimSpace(rest)
	}
	return val
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type webhookAttachment struct {
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
	URL      string `json:"url"`
}

type webhookMessage struct {
	Content     string              `json:"content"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookSender struct {
	ID          flexID `json:"id"`
	Type        string `json:"type"`
	SenderType  string `json:"sender_type"`
	PhoneNumber string `json:"phone_number"`
	Identifier  string `json:"identifier"`
}

type webhookConversation struct {
	ID           flexID `json:"id"`
	InboxID      flexID `json:"inbox_id"`
	ContactInbox struct {
		SourceID flexID `json:"source_id"`
	} `json:"contact_inbox"`
}

type webhookData struct {
	ID                      flexID              `json:"id"`
	MessageType             flexID              `json:"message_type"`
	Content                 string              `json:"content"`
	ProcessedMessageContent string              `json:"processed_message_content"`
	Private                 bool                `json:"private"`
	Sender                  webhookSender       `json:"sender"`
	Conversation            webhookConversation `json:"conversation"`
	Inbox                   struct {
		ID flexID `json:"id"`
	} `json:"inbox"`
	Attachments []webhookAttachment `json:"attachments"`
	Message     *webhookMessage     `json:"message"`
}

type webhookPayload struct {
	Event string `json:"event"`
	webhookData
	Data *webhookData `json:"data"`
}

// Incoming is a customer message extracted from a webhook delivery.
type Incoming struct {
	MessageID      string
	ConversationID int64
	InboxID        string
	Contact        string
	Content        string
	Attachments    []model.Attachment
}

// ParseIncoming extracts the customer message of a webhook delivery.
// Events other than an incoming message_created yield ErrIgnored.
func ParseIncoming(raw []byte) (*Incoming, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w: %v", appErr.ErrInvalid, err)
	}
	if p.Event != "" && p.Event != "message_created" {
		return nil, fmt.Errorf("event %s: %w", p.Event, ErrIgnored)
	}
	data := &p.webhookData
	if p.Data != nil {
		data = p.Data
	}
	if !isIncoming(data) {
		return nil, fmt.Errorf("message type %q: %w", data.MessageType, ErrIgnored)
	}
	conversationID, err := strconv.ParseInt(string(data.Conversation.ID), 10, 64)
	if err != nil || conversationID <= 0 {
		return nil, fmt.Errorf("conversation id %q: %w", data.Conversation.ID, appErr.ErrInvalid)
	}
	contact := firstNonEmpty(
		string(data.Conversation.ContactInbox.SourceID),
		data.Sender.PhoneNumber,
		data.Sender.Identifier,
		string(data.Sender.ID),
	)
	if contact == "" {
		return nil, fmt.Errorf("missing contact: %w", appErr.ErrInvalid)
	}
	in := &Incoming{
		MessageID:      string(data.ID),
		ConversationID: conversationID,
		InboxID:        firstNonEmpty(string(data.Conversation.InboxID), string(data.Inbox.ID)),
		Contact:        contact,
	}
	attachments := data.Attachments
	in.Content = data.Content
	if data.Message != nil {
		if in.Content == "" {
			in.Content = data.Message.Content
		}
		if len(attachments) == 0 {
			attachments = data.Message.Attachments
		}
	}
	if in.Content == "" {
		in.Content = data.ProcessedMessageContent
	}
	for _, a := range attachments {
		u := firstNonEmpty(a.DataURL, a.URL)
		if u == "" {
			continue
		}
		in.Attachments = append(in.Attachments, model.Attachment{FileType: a.FileType, DataURL: u})
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, fmt.Errorf("message without content: %w", ErrIgnored)
	}
	return in, nil
}

func isIncoming(d *webhookData) bool {
	switch strings.ToLower(string(d.MessageType)) {
	case "incoming", "0":
		return true
	case "":
		senderType := strings.ToLower(firstNonEmpty(d.Sender.Type, d.Sender.SenderType))
		switch senderType {
		case "contact", "customer", "visitor":
			return true
		}
		return !d.Private
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
