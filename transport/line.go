package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Line 行协议连接：每帧一行，以 '\n' 结尾（兼容 "\r\n"）
type Line struct {
	conn net.Conn
	r    *bufio.Reader
	cfg  Config

	wmu sync.Mutex
}

var _ Conn = (*Line)(nil)

// NewLine 包装一个流式连接
func NewLine(c net.Conn, cfg Config) *Line {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultConfig().MaxFrameSize
	}
	// bufio 的最小缓冲为 16 字节
	return &Line{conn: c, r: bufio.NewReaderSize(c, cfg.MaxFrameSize+1), cfg: cfg}
}

// DialLine 建立 TCP 连接
func DialLine(ctx context.Context, addr string, cfg Config) (*Line, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLine(c, cfg), nil
}

// ReadFrame 读取下一行（不含行尾）；空行原样返回空帧
func (l *Line) ReadFrame() ([]byte, error) {
	if l.cfg.ReadTimeout > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	}
	line, err := l.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// 超长行：丢弃到行尾，连接继续可用
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = l.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}
	if err != nil && len(line) == 0 {
		return nil, err
	}
	// 末尾无换行的残帧（对端关闭前的最后一行）也交付，下次读取再返回 EOF
	line = bytes.TrimRight(line, "\r\n")
	frame := make([]byte, len(line))
	copy(frame, line)
	return frame, nil
}

// WriteFrame 写出一帧并追加换行
func (l *Line) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return ErrInvalidFrame
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	_, err := l.conn.Write(buf)
	return err
}

func (l *Line) Close() error         { return l.conn.Close() }
func (l *Line) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// StreamListener 把 net.Listener 接入的连接包装为 Line
type StreamListener struct {
	ln  net.Listener
	cfg Config
}

var _ Listener = (*StreamListener)(nil)

// NewStreamListener 包装已有的监听器
func NewStreamListener(ln net.Listener, cfg Config) *StreamListener {
	return &StreamListener{ln: ln, cfg: cfg}
}

// ListenLine 在 TCP 地址上监听
func ListenLine(addr string, cfg Config) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamListener(ln, cfg), nil
}

func (s *StreamListener) Accept() (Conn, error) {
	c, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewLine(c, s.cfg), nil
}

func (s *StreamListener) Close() error   { return s.ln.Close() }
func (s *StreamListener) Addr() net.Addr { return s.ln.Addr() }
