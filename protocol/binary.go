package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxDatagramSize 单个二进制帧的上限（与接收缓冲一致）
const MaxDatagramSize = 1024

// 字段编号
const (
	fieldKind protowire.Number = 1
	fieldID   protowire.Number = 2
	fieldX    protowire.Number = 3
	fieldY    protowire.Number = 4
	fieldText protowire.Number = 5
)

// Kind 二进制帧中的变体编号；客户端与服务端各占一段
type Kind uint64

const (
	KindPosition Kind = iota + 1
	KindChat
)

const (
	KindWelcome Kind = iota + 16
	KindPlayerPosition
	KindPlayerLeft
	KindClientJoined
	KindClientLeft
	KindChatMessage
)

// Binary protobuf 线格式编码（无需生成代码），用于数据报
type Binary struct{}

var _ Codec = Binary{}

type binFrame struct {
	kind    Kind
	hasKind bool
	id      ConnID
	x, y    float32
	text    string
}

func (f binFrame) append(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.id))
	b = protowire.AppendTag(b, fieldX, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(f.x))
	b = protowire.AppendTag(b, fieldY, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(f.y))
	if f.text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, f.text)
	}
	return b
}

func (f binFrame) encode() ([]byte, error) {
	b := f.append(make([]byte, 0, 32+len(f.text)))
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	return b, nil
}

func parseBinary(b []byte) (binFrame, error) {
	var f binFrame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, malformed(protowire.ParseError(n))
			}
			f.kind, f.hasKind = Kind(v), true
			b = b[n:]
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, malformed(protowire.ParseError(n))
			}
			if v > math.MaxUint32 {
				return f, fmt.Errorf("%w: id overflows uint32", ErrMalformed)
			}
			f.id = ConnID(v)
			b = b[n:]
		case (num == fieldX || num == fieldY) && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return f, malformed(protowire.ParseError(n))
			}
			if num == fieldX {
				f.x = math.Float32frombits(v)
			} else {
				f.y = math.Float32frombits(v)
			}
			b = b[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, malformed(protowire.ParseError(n))
			}
			f.text = string(v)
			b = b[n:]
		default:
			// 未知字段跳过，保持前向兼容
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !f.hasKind {
		return f, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return f, nil
}

func (Binary) EncodeClient(m ClientMessage) ([]byte, error) {
	switch v := m.(type) {
	case Position:
		return binFrame{kind: KindPosition, x: v.X, y: v.Y}.encode()
	case Chat:
		return binFrame{kind: KindChat, text: v.Text}.encode()
	default:
		return nil, unsupportedType(m)
	}
}

func (Binary) DecodeClient(frame []byte) (ClientMessage, error) {
	f, err := parseBinary(frame)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindPosition:
		if err := checkFinite(TagPosition, f.x, f.y); err != nil {
			return nil, err
		}
		return Position{X: f.x, Y: f.y}, nil
	case KindChat:
		return Chat{Text: f.text}, nil
	default:
		return nil, unrecognized(fmt.Sprintf("kind %d", f.kind))
	}
}

func (Binary) EncodeServer(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Welcome:
		return binFrame{kind: KindWelcome, id: v.ID}.encode()
	case PlayerPosition:
		return binFrame{kind: KindPlayerPosition, id: v.ID, x: v.X, y: v.Y}.encode()
	case PlayerLeft:
		return binFrame{kind: KindPlayerLeft, id: v.ID}.encode()
	case ClientJoined:
		return binFrame{kind: KindClientJoined, id: v.ID}.encode()
	case ClientLeft:
		return binFrame{kind: KindClientLeft, id: v.ID}.encode()
	case ChatMessage:
		return binFrame{kind: KindChatMessage, id: v.From, text: v.Text}.encode()
	default:
		return nil, unsupportedType(m)
	}
}

func (Binary) DecodeServer(frame []byte) (ServerMessage, error) {
	f, err := parseBinary(frame)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindWelcome:
		return Welcome{ID: f.id}, nil
	case KindPlayerPosition:
		return PlayerPosition{ID: f.id, X: f.x, Y: f.y}, nil
	case KindPlayerLeft:
		return PlayerLeft{ID: f.id}, nil
	case KindClientJoined:
		return ClientJoined{ID: f.id}, nil
	case KindClientLeft:
		return ClientLeft{ID: f.id}, nil
	case KindChatMessage:
		return ChatMessage{From: f.id, Text: f.text}, nil
	default:
		return nil, unrecognized(fmt.Sprintf("kind %d", f.kind))
	}
}
