// Package client 实现客户端的网络桥接与本地状态对账。
//
// Bridge 用两个协程把套接字 I/O 与应用逻辑隔开：
//   - 入站协程：读帧 → 解码 → 推入有界入站队列（队列满或解码失败时记录并丢弃）
//   - 出站协程：从有界出站队列取消息 → 编码 → 写出（写失败时退出）
//
// 应用层只通过队列收发：每个逻辑 Tick 用 Drain 取走已到达的消息、
// 至多 Send 一次自身更新；Send 在队列满时丢弃而不是阻塞，Tick 永远不会被网络拖慢。
//
// World 把服务端消息应用到本地：Welcome 确定自身 id，其他连接的位置按 id 整体覆盖，
// 离开通知删除条目。重复的位置更新是幂等的。
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"posrelay/protocol"
	"posrelay/transport"
)

// ErrDisconnected 与服务端的连接已断开
var ErrDisconnected = errors.New("client: disconnected from server")

// Config 桥接参数
type Config struct {
	InboundSize  int
	OutboundSize int
	Transport    transport.Config
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		InboundSize:  1000,
		OutboundSize: 16,
		Transport:    transport.DefaultConfig(),
	}
}

// Bridge 单个连接的客户端网络桥
type Bridge struct {
	id    uuid.UUID
	conn  transport.Conn
	codec protocol.Codec
	log   *zap.SugaredLogger

	inbound  chan protocol.ServerMessage
	outbound chan protocol.ClientMessage

	// disconnected 入站协程退出（对端关闭或读错误）时关闭
	disconnected chan struct{}
	closing      chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup

	droppedIn  atomic.Int64
	droppedOut atomic.Int64
}

// Dial 按网络类型建立连接并启动桥接
//
//	tcp  host:port，JSON 行协议
//	ws   ws://host:port/ws（省略协议头时补全），JSON 文本消息
//	udp  host:port，二进制数据报
func Dial(ctx context.Context, network, addr string, cfg Config, log *zap.SugaredLogger) (*Bridge, error) {
	switch network {
	case "tcp", "":
		c, err := transport.DialLine(ctx, addr, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return NewBridge(c, protocol.JSON{}, cfg, log), nil
	case "ws":
		url := addr
		if !strings.Contains(url, "://") {
			url = "ws://" + addr + "/ws"
		}
		c, err := transport.DialWebSocket(ctx, url, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return NewBridge(c, protocol.JSON{}, cfg, log), nil
	case "udp":
		tc := cfg.Transport
		tc.MaxFrameSize = protocol.MaxDatagramSize
		c, err := transport.DialDatagram(ctx, addr, tc)
		if err != nil {
			return nil, err
		}
		return NewBridge(c, protocol.Binary{}, cfg, log), nil
	default:
		return nil, fmt.Errorf("client: unknown network %q", network)
	}
}

// NewBridge 包装已建立的连接并启动入站/出站协程
func NewBridge(conn transport.Conn, codec protocol.Codec, cfg Config, log *zap.SugaredLogger) *Bridge {
	def := DefaultConfig()
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = def.InboundSize
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = def.OutboundSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := uuid.New()
	b := &Bridge{
		id:           id,
		conn:         conn,
		codec:        codec,
		log:          log.With("bridge", id.String()),
		inbound:      make(chan protocol.ServerMessage, cfg.InboundSize),
		outbound:     make(chan protocol.ClientMessage, cfg.OutboundSize),
		disconnected: make(chan struct{}),
		closing:      make(chan struct{}),
	}
	b.wg.Add(2)
	go b.ingress()
	go b.egress()
	return b
}

// ID 本桥实例的标识（仅用于日志关联）
func (b *Bridge) ID() uuid.UUID { return b.id }

// Send 非阻塞地排入一条上行消息；队列满、已断开或已关闭时丢弃并返回 false
func (b *Bridge) Send(m protocol.ClientMessage) bool {
	select {
	case <-b.closing:
		return false
	case <-b.disconnected:
		b.droppedOut.Add(1)
		return false
	default:
	}
	select {
	case b.outbound <- m:
		return true
	default:
		b.droppedOut.Add(1)
		b.log.Debugw("outbound queue full: dropping message")
		return false
	}
}

// Inbound 入站队列（只读）
func (b *Bridge) Inbound() <-chan protocol.ServerMessage { return b.inbound }

// Drain 取走当前已排队的全部入站消息，不阻塞；返回处理条数
func (b *Bridge) Drain(fn func(protocol.ServerMessage)) int {
	n := 0
	for {
		select {
		case m := <-b.inbound:
			fn(m)
			n++
		default:
			return n
		}
	}
}

// Done 与服务端断开（读失败或写失败）后关闭
func (b *Bridge) Done() <-chan struct{} { return b.disconnected }

// Dropped 因队列满而丢弃的入站、出站消息数
func (b *Bridge) Dropped() (in, out int64) {
	return b.droppedIn.Load(), b.droppedOut.Load()
}

// Close 关闭连接并等待两个协程退出，可重复调用
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closing)
		// 写失败时出站协程可能已关闭连接
		if err = b.conn.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
		b.wg.Wait()
	})
	return err
}

func (b *Bridge) ingress() {
	defer b.wg.Done()
	defer close(b.disconnected)

	for {
		frame, err := b.conn.ReadFrame()
		if err != nil {
			if transport.IsFrameError(err) {
				b.log.Warnw("bad frame from server", "error", err)
				continue
			}
			select {
			case <-b.closing:
			default:
				b.log.Infow("server connection lost", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		msg, err := b.codec.DecodeServer(frame)
		if err != nil {
			b.log.Warnw("error parsing server data", "error", err)
			continue
		}
		select {
		case b.inbound <- msg:
		default:
			b.droppedIn.Add(1)
			b.log.Warnw("inbound message queue full: dropping message")
		}
	}
}

func (b *Bridge) egress() {
	defer b.wg.Done()

	for {
		select {
		case <-b.closing:
			return
		case m := <-b.outbound:
			frame, err := b.codec.EncodeClient(m)
			if err != nil {
				b.log.Warnw("error serializing message", "error", err)
				continue
			}
			if err := b.conn.WriteFrame(frame); err != nil {
				if errors.Is(err, transport.ErrFrameTooLarge) {
					b.log.Warnw("message too large for transport", "error", err)
					continue
				}
				select {
				case <-b.closing:
				default:
					b.log.Infow("write to server failed", "error", err)
				}
				// 关闭连接使入站协程退出，Done 随之关闭
				_ = b.conn.Close()
				return
			}
		}
	}
}

// CloseAll 关闭多个桥并合并错误
func CloseAll(bs ...*Bridge) error {
	var err error
	for _, b := range bs {
		if b != nil {
			err = multierr.Append(err, b.Close())
		}
	}
	return err
}
