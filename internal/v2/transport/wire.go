package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

// wireMessage mirrors the message schema returned by the API
type wireMessage struct {
	ID          json.RawMessage `json:"id"`
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	Content     string          `json:"content"`
	IsAdmin     bool            `json:"is_admin"`
	CreatedAt   string          `json:"created_at"`
	ClientToken string          `json:"client_token"`
}

type messagesEnvelope struct {
	Messages []wireMessage `json:"messages"`
}

type sendMessageRequest struct {
	OrderID     int64  `json:"order_id"`
	Content     string `json:"content"`
	IsRead      bool   `json:"is_read"`
	ClientToken string `json:"client_token"`
}

type orderRequest struct {
	OrderID int64 `json:"order_id"`
}

type createOrderRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type createOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Invoice string `json:"invoice"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// the backend serialises naive datetimes without a zone; those are UTC
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable timestamp %q", s)
}

func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		if s == "" {
			return "", errors.New("empty id")
		}
		return s, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", errors.Wrap(err, "numeric id")
	}
	return strconv.FormatInt(n, 10), nil
}

func (w wireMessage) toMessage() (types.Message, error) {
	id, err := parseID(w.ID)
	if err != nil {
		return types.Message{}, err
	}
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return types.Message{}, err
	}
	if createdAt.IsZero() {
		return types.Message{}, errors.New("zero created_at")
	}
	author := types.AuthorBuyer
	if w.IsAdmin {
		author = types.AuthorAdmin
	}
	return types.Message{
		ID:          id,
		OrderID:     w.OrderID,
		UserID:      w.UserID,
		AuthorKind:  author,
		Content:     w.Content,
		CreatedAt:   createdAt,
		ClientToken: w.ClientToken,
	}, nil
}

// decodeMessages accepts either a bare array or {"messages": [...]}.
// Individual bad entries are dropped; an undecodable body is ErrMalformedPayload.
func decodeMessages(body []byte) ([]types.Message, error) {
	body = bytes.TrimSpace(body)
	var wire []wireMessage
	switch {
	case len(body) == 0:
		return nil, nil
	case body[0] == '[':
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, errors.Wrap(api.ErrMalformedPayload, err.Error())
		}
	case body[0] == '{':
		var env messagesEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, errors.Wrap(api.ErrMalformedPayload, err.Error())
		}
		wire = env.Messages
	default:
		return nil, errors.Wrapf(api.ErrMalformedPayload, "unexpected body %q", truncate(body))
	}

	out := make([]types.Message, 0, len(wire))
	for i, w := range wire {
		m, err := w.toMessage()
		if err != nil {
			glog.Warningf("skip malformed message at index %d: %v", i, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMessage(body []byte) (types.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return types.Message{}, errors.Wrap(api.ErrMalformedPayload, err.Error())
	}
	m, err := w.toMessage()
	if err != nil {
		return types.Message{}, errors.Wrap(api.ErrMalformedPayload, err.Error())
	}
	return m, nil
}

func truncate(body []byte) string {
	if len(body) > 64 {
		return string(body[:64]) + "..."
	}
	return string(body)
}
