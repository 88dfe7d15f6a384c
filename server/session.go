package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"posrelay/protocol"
	"posrelay/transport"
)

// Session 一个已接入的连接：一条入站管道（读→解码→更新表→广播）
// 与一条出站管道（出站队列→写），两者只通过 Outbox 通信。
type Session struct {
	id    protocol.ConnID
	conn  transport.Conn
	codec protocol.Codec
	out   *Outbox
	relay *Relay
	log   *zap.SugaredLogger

	teardownOnce sync.Once
	done         chan struct{}
}

func newSession(r *Relay, id protocol.ConnID, conn transport.Conn, codec protocol.Codec) *Session {
	return &Session{
		id:    id,
		conn:  conn,
		codec: codec,
		out:   NewOutbox(id, codec, r.cfg.OutboxSize),
		relay: r,
		log:   r.log.With("conn", id, "remote", remoteAddr(conn)),
		done:  make(chan struct{}),
	}
}

// ID 连接标识
func (s *Session) ID() protocol.ConnID { return s.id }

// Done 会话拆除后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Close 主动结束会话（进程退出时使用）；拆除逻辑与对端断开相同
func (s *Session) Close() error {
	return s.conn.Close()
}

// catchUp 在出站协程启动前直接写出 Welcome 与加入时快照，保证不会因队列满而丢失
func (s *Session) catchUp() error {
	if err := s.writeDirect(protocol.Welcome{ID: s.id}); err != nil {
		return err
	}
	snapshot := s.relay.registry.SnapshotPositions(s.id)
	for _, e := range snapshot {
		frame, err := s.codec.EncodeServer(protocol.PlayerPosition{ID: e.ID, X: e.Pos.X, Y: e.Pos.Y})
		if err != nil {
			// 单个条目无法编码只跳过该条目，不影响接入
			s.log.Warnw("skip snapshot entry", "entry", e.ID, "error", err)
			continue
		}
		if err := s.conn.WriteFrame(frame); err != nil {
			return err
		}
	}
	s.log.Debugw("catch-up sent", "entries", len(snapshot))
	return nil
}

func (s *Session) writeDirect(m protocol.ServerMessage) error {
	frame, err := s.codec.EncodeServer(m)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(frame)
}

// ingress 读取入站帧；坏帧记录后丢弃，读到 EOF 或 I/O 错误时退出并拆除会话
func (s *Session) ingress() {
	defer s.relay.wg.Done()
	defer s.teardown()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if transport.IsFrameError(err) {
				s.relay.metrics.IncDecodeErrors()
				s.log.Warnw("bad frame", "error", err)
				continue
			}
			if isClosedErr(err) || transport.IsNormalClose(err) {
				s.log.Debugw("ingress finished", "reason", err)
			} else {
				s.log.Infow("read error", "error", err)
			}
			return
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		s.relay.metrics.IncFramesIn()

		msg, err := s.codec.DecodeClient(frame)
		if err != nil {
			s.relay.metrics.IncDecodeErrors()
			s.log.Warnw("bad message", "error", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Position:
		s.relay.metrics.IncPositionsIn()
		s.relay.registry.UpdatePosition(s.id, protocol.Vec2{X: m.X, Y: m.Y})
		s.relay.broadcaster.Broadcast(protocol.PlayerPosition{ID: s.id, X: m.X, Y: m.Y}, Except(s.id))
	case protocol.Chat:
		s.relay.metrics.IncChatsIn()
		s.relay.broadcaster.Broadcast(protocol.ChatMessage{From: s.id, Text: m.Text}, Except(s.id))
	default:
		s.relay.metrics.IncDecodeErrors()
		s.log.Warnw("unhandled message", "type", typeNameOf(msg))
	}
}

// egress 从出站队列取帧写出；写失败结束本连接，不影响其他连接
func (s *Session) egress() {
	defer s.relay.wg.Done()

	for {
		select {
		case frame := <-s.out.queue:
			if err := s.conn.WriteFrame(frame); err != nil {
				s.relay.metrics.IncWriteFailures()
				if !isClosedErr(err) {
					s.log.Infow("write error", "error", err)
				}
				s.teardown()
				return
			}
		case <-s.out.Done():
			return
		}
	}
}

// teardown 每个会话只执行一次：注销、关闭连接并通知其余连接
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.out.Close()
		if err := s.conn.Close(); err != nil && !isClosedErr(err) {
			s.log.Debugw("close error", "error", err)
		}
		if s.relay.registry.Unregister(s.id) {
			s.relay.broadcaster.Broadcast(protocol.PlayerLeft{ID: s.id}, nil)
		}
		s.relay.untrack(s)
		s.relay.metrics.IncClosed()
		s.log.Infow("session closed", "clients", s.relay.registry.Len())
		close(s.done)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func remoteAddr(c transport.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func typeNameOf(m protocol.ClientMessage) string {
	switch m.(type) {
	case protocol.Position:
		return protocol.TagPosition
	case protocol.Chat:
		return protocol.TagChat
	default:
		return "unknown"
	}
}
