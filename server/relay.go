package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"posrelay/protocol"
	"posrelay/transport"
)

// DefaultAddr 默认监听地址
const DefaultAddr = "127.0.0.1:8080"

// ErrShuttingDown Shutdown 开始后不再接入新连接
var ErrShuttingDown = errors.New("relay: shutting down")

// Config 中继参数
type Config struct {
	// OutboxSize 每个连接的出站队列容量，满则丢弃
	OutboxSize int
	Stream     transport.Config
	WebSocket  transport.Config
	Datagram   transport.Config
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		OutboxSize: 256,
		Stream:     transport.DefaultConfig(),
		WebSocket:  transport.Config{MaxFrameSize: 4096, WriteTimeout: 10 * time.Second},
		Datagram:   transport.DatagramConfig(),
	}
}

// Relay 进程内唯一的上下文对象：连接表、广播器、id 分配与指标，
// 在启动时构造一次并传给每个会话。
type Relay struct {
	cfg         Config
	log         *zap.SugaredLogger
	registry    *Registry
	broadcaster *Broadcaster
	metrics     *Metrics

	lastID atomic.Uint32

	mu       sync.Mutex
	closed   bool
	sessions map[protocol.ConnID]*Session
	wg       sync.WaitGroup
}

// New 创建中继
func New(cfg Config, log *zap.SugaredLogger) *Relay {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg := NewRegistry()
	m := &Metrics{}
	return &Relay{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		broadcaster: NewBroadcaster(reg, m, log),
		metrics:     m,
		sessions:    make(map[protocol.ConnID]*Session),
	}
}

func (r *Relay) Registry() *Registry       { return r.registry }
func (r *Relay) Broadcaster() *Broadcaster { return r.broadcaster }
func (r *Relay) Metrics() *Metrics         { return r.metrics }

// nextID 单调递增，从 1 开始，不复用
func (r *Relay) nextID() protocol.ConnID {
	return protocol.ConnID(r.lastID.Add(1))
}

// Join 接入一个新连接：分配 id、登记、发送 Welcome 与快照、通知其他连接，然后启动两条管道
//
// 登记先于快照读取，因此与加入并发的位置更新不会漏掉，但可能重复收到（客户端以最后一次为准）。
func (r *Relay) Join(conn transport.Conn, codec protocol.Codec) (*Session, error) {
	id := r.nextID()
	s := newSession(r, id, conn, codec)

	if !r.track(s) {
		_ = conn.Close()
		return nil, fmt.Errorf("join %d: %w", id, ErrShuttingDown)
	}
	defer r.wg.Done()
	r.metrics.IncAccepted()
	r.registry.Register(id, s.out)
	s.log.Infow("client connected", "clients", r.registry.Len())

	if err := s.catchUp(); err != nil {
		s.teardown()
		return nil, fmt.Errorf("join %d: %w", id, err)
	}
	r.broadcaster.Broadcast(protocol.ClientJoined{ID: id}, Except(id))

	r.wg.Add(2)
	go s.egress()
	go s.ingress()
	return s, nil
}

// Serve 接受连接直到 ctx 取消或监听器关闭；每个连接一个协程完成接入
func (r *Relay) Serve(ctx context.Context, ln transport.Listener, codec protocol.Codec) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	r.log.Infow("relay listening", "addr", ln.Addr().String())
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// 与 net/http 相同的退避，避免错误时空转
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			r.log.Warnw("accept failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		go func() {
			if _, err := r.Join(conn, codec); err != nil {
				r.log.Infow("join failed", "error", err)
			}
		}()
	}
}

// Shutdown 关闭所有会话并等待其协程退出
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var err error
	for _, s := range live {
		if cerr := s.Close(); cerr != nil && !isClosedErr(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

// Sessions 当前存活的会话数
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// track 登记会话并为接入过程占用一个 wg 计数；Shutdown 开始后拒绝
func (r *Relay) track(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	r.wg.Add(1)
	return true
}

func (r *Relay) untrack(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}
