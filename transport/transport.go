// Package transport 把不同的底层连接统一成按帧读写的 Conn。
//
// 三种实现：
//   - Line：可靠有序的字节流（TCP），每行一帧
//   - WebSocket：gorilla/websocket，每条消息一帧
//   - Datagram / PacketListener：UDP，每个数据报一帧（可能丢失、重复、乱序）
//
// Conn 的 ReadFrame 只能由一个 goroutine 调用；WriteFrame 与 Close 可并发调用。
package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrFrameTooLarge 帧超过上限；读方向上该帧已被丢弃，连接仍可继续读取
	ErrFrameTooLarge = errors.New("transport: frame too large")
	// ErrInvalidFrame 帧内容无法用当前分帧方式表达（如行协议中包含换行）
	ErrInvalidFrame = errors.New("transport: invalid frame")
)

// Conn 按帧读写的连接
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Listener 接受新的 Conn
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Config 传输层参数
type Config struct {
	MaxFrameSize int
	// ReadTimeout 为 0 表示不设读超时；数据报连接以此作为空闲超时
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: 64 << 10,
		ReadTimeout:  0,
		WriteTimeout: 5 * time.Second,
	}
}

// DatagramConfig 数据报默认参数（单帧不超过 1024 字节）
func DatagramConfig() Config {
	return Config{
		MaxFrameSize: 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// IsFrameError 该错误只影响当前帧，读循环应继续
func IsFrameError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidFrame)
}
