// Package protocol 定义客户端与中继之间交换的消息及其编解码。
//
// 消息是封闭的和类型：ClientMessage（客户端上行）与 ServerMessage（服务端下行）。
// 两种编码均满足 Codec 约定：
//   - JSON：每帧一个 JSON 对象，用于 TCP 行协议与 WebSocket 文本消息
//   - Binary：protobuf 线格式，用于长度受限的 UDP 数据报
//
// 未知的类型标签会得到 *UnrecognizedError，而不是被静默忽略。
package protocol

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformed 帧无法解析
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnrecognized 类型标签未知（协议漂移）
	ErrUnrecognized = errors.New("protocol: unrecognized message")
	// ErrFrameTooLarge 编码结果超过数据报上限
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// UnrecognizedError 携带未知的类型标签
type UnrecognizedError struct {
	Tag string
}

func (e *UnrecognizedError) Error() string {
	return fmt.Sprintf("protocol: unrecognized message type %q", e.Tag)
}

func (e *UnrecognizedError) Unwrap() error { return ErrUnrecognized }

// Codec 消息与帧（[]byte）之间的转换约定，任一方向都可能失败
type Codec interface {
	EncodeClient(m ClientMessage) ([]byte, error)
	DecodeClient(frame []byte) (ClientMessage, error)
	EncodeServer(m ServerMessage) ([]byte, error)
	DecodeServer(frame []byte) (ServerMessage, error)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// checkFinite 坐标必须是有限值，NaN/Inf 无法在 JSON 中表示
func checkFinite(tag string, x, y float32) error {
	if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) ||
		math.IsNaN(float64(y)) || math.IsInf(float64(y), 0) {
		return fmt.Errorf("%w: %s has non-finite coordinates", ErrMalformed, tag)
	}
	return nil
}

func unrecognized(tag string) error {
	return &UnrecognizedError{Tag: tag}
}

func unsupportedType(m any) error {
	return &UnrecognizedError{Tag: fmt.Sprintf("%T", m)}
}
