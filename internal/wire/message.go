package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidMessage indicates a message that is neither request, response
// nor broadcast.
var ErrInvalidMessage = errors.New("wire: invalid message")

// Kind classifies a message.
type Kind uint8

const (
	// KindInvalid is a message with neither command nor token.
	KindInvalid Kind = iota
	// KindRequest is a correlated call carrying a command and a token.
	KindRequest
	// KindResponse answers a request and carries only the token.
	KindResponse
	// KindBroadcast is an uncorrelated notification carrying only a command.
	KindBroadcast
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// Message is a single unit delivered by a channel.
type Message struct {
	Command string `json:"command,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Token   string `json:"token,omitempty"`
}

// NewRequest builds a correlated request.
func NewRequest(command string, payload any, token string) Message {
	return Message{Command: command, Payload: payload, Token: token}
}

// NewBroadcast builds an uncorrelated broadcast.
func NewBroadcast(command string, payload any) Message {
	return Message{Command: command, Payload: payload}
}

// NewResponse builds the response for token carrying reply.
func NewResponse(token string, reply Reply) Message {
	return Message{Token: token, Payload: reply}
}

// Kind reports which of the three shapes m has.
func (m Message) Kind() Kind {
	return classify(m.Command != "", m.Token != "")
}

// Reply extracts the response payload. It accepts a Reply, a *Reply, or a
// generic decoded JSON object so messages built by foreign hosts still work.
func (m Message) Reply() (Reply, error) {
	switch p := m.Payload.(type) {
	case Reply:
		return p, nil
	case *Reply:
		if p == nil {
			return Reply{}, fmt.Errorf("%w: nil reply", ErrInvalidMessage)
		}
		return *p, nil
	case map[string]any:
		status, ok := p["status"].(bool)
		if !ok {
			return Reply{}, fmt.Errorf("%w: reply without boolean status", ErrInvalidMessage)
		}
		r := Reply{Status: status, Data: p["data"]}
		if msg, ok := p["message"].(string); ok {
			r.Message = msg
		}
		return r, nil
	default:
		return Reply{}, fmt.Errorf("%w: unexpected reply payload %T", ErrInvalidMessage, m.Payload)
	}
}

// UnmarshalJSON decodes a message, typing the payload as Reply for responses.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidMessage)
	}

	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("%w: not an object", ErrInvalidMessage)
	}

	out := Message{
		Command: res.Get("command").String(),
		Token:   res.Get("token").String(),
	}

	payload := res.Get("payload")
	if payload.Exists() {
		if out.Kind() == KindResponse {
			var r Reply
			if err := json.Unmarshal([]byte(payload.Raw), &r); err != nil {
				return fmt.Errorf("%w: reply: %v", ErrInvalidMessage, err)
			}
			out.Payload = r
		} else {
			out.Payload = payload.Value()
		}
	}

	*m = out
	return nil
}

// Classify inspects raw JSON and reports its kind without decoding it.
func Classify(data []byte) Kind {
	return classify(
		gjson.GetBytes(data, "command").String() != "",
		gjson.GetBytes(data, "token").String() != "",
	)
}

// Encode returns the JSON form of m.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses the JSON form of a message and rejects invalid ones.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Kind() == KindInvalid {
		return Message{}, ErrInvalidMessage
	}
	return m, nil
}

func classify(hasCommand, hasToken bool) Kind {
	switch {
	case hasCommand && hasToken:
		return KindRequest
	case hasCommand:
		return KindBroadcast
	case hasToken:
		return KindResponse
	default:
		return KindInvalid
	}
}
