package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON 人类可读的文本编码：{"type":"Position","x":1,"y":2}
type JSON struct{}

var _ Codec = JSON{}

// jsonFrame 内部标记（"type"）的扁平结构，字段按变体取用
type jsonFrame struct {
	Type string   `json:"type"`
	ID   *ConnID  `json:"id,omitempty"`
	From *ConnID  `json:"from,omitempty"`
	X    *float32 `json:"x,omitempty"`
	Y    *float32 `json:"y,omitempty"`
	Text *string  `json:"text,omitempty"`
}

func (JSON) EncodeClient(m ClientMessage) ([]byte, error) {
	var f jsonFrame
	switch v := m.(type) {
	case Position:
		f = jsonFrame{Type: TagPosition, X: &v.X, Y: &v.Y}
	case Chat:
		f = jsonFrame{Type: TagChat, Text: &v.Text}
	default:
		return nil, unsupportedType(m)
	}
	return json.Marshal(f)
}

func (JSON) DecodeClient(frame []byte) (ClientMessage, error) {
	f, err := parseJSON(frame)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case TagPosition:
		if f.X == nil || f.Y == nil {
			return nil, missing(f.Type, "x/y")
		}
		if err := checkFinite(f.Type, *f.X, *f.Y); err != nil {
			return nil, err
		}
		return Position{X: *f.X, Y: *f.Y}, nil
	case TagChat:
		if f.Text == nil {
			return nil, missing(f.Type, "text")
		}
		return Chat{Text: *f.Text}, nil
	default:
		return nil, unrecognized(f.Type)
	}
}

func (JSON) EncodeServer(m ServerMessage) ([]byte, error) {
	var f jsonFrame
	switch v := m.(type) {
	case Welcome:
		f = jsonFrame{Type: TagWelcome, ID: &v.ID}
	case PlayerPosition:
		f = jsonFrame{Type: TagPosition, ID: &v.ID, X: &v.X, Y: &v.Y}
	case PlayerLeft:
		f = jsonFrame{Type: TagPlayerLeft, ID: &v.ID}
	case ClientJoined:
		f = jsonFrame{Type: TagClientJoined, ID: &v.ID}
	case ClientLeft:
		f = jsonFrame{Type: TagClientLeft, ID: &v.ID}
	case ChatMessage:
		f = jsonFrame{Type: TagChat, From: &v.From, Text: &v.Text}
	default:
		return nil, unsupportedType(m)
	}
	return json.Marshal(f)
}

func (JSON) DecodeServer(frame []byte) (ServerMessage, error) {
	f, err := parseJSON(frame)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case TagWelcome:
		if f.ID == nil {
			return nil, missing(f.Type, "id")
		}
		return Welcome{ID: *f.ID}, nil
	case TagPosition:
		if f.ID == nil || f.X == nil || f.Y == nil {
			return nil, missing(f.Type, "id/x/y")
		}
		return PlayerPosition{ID: *f.ID, X: *f.X, Y: *f.Y}, nil
	case TagPlayerLeft, TagClientJoined, TagClientLeft:
		if f.ID == nil {
			return nil, missing(f.Type, "id")
		}
		switch f.Type {
		case TagPlayerLeft:
			return PlayerLeft{ID: *f.ID}, nil
		case TagClientJoined:
			return ClientJoined{ID: *f.ID}, nil
		default:
			return ClientLeft{ID: *f.ID}, nil
		}
	case TagChat:
		if f.From == nil || f.Text == nil {
			return nil, missing(f.Type, "from/text")
		}
		return ChatMessage{From: *f.From, Text: *f.Text}, nil
	default:
		return nil, unrecognized(f.Type)
	}
}

func parseJSON(frame []byte) (jsonFrame, error) {
	var f jsonFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return f, malformed(err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return f, nil
}

func missing(tag, fields string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformed, tag, fields)
}
