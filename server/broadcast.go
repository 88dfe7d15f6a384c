package server

import (
	"go.uber.org/zap"

	"posrelay/protocol"
)

// Broadcaster 将一条消息扇出到除 exclude 外的所有连接
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
	log      *zap.SugaredLogger
}

// NewBroadcaster 创建广播器
func NewBroadcaster(reg *Registry, m *Metrics, log *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{registry: reg, metrics: m, log: log}
}

// Broadcast 先在锁内复制接收者，释放锁后逐个非阻塞入队
//
// 每种编码只编码一次。队列满的接收者丢弃本条（至多一次、尽力而为）；返回成功入队数。
func (b *Broadcaster) Broadcast(msg protocol.ServerMessage, exclude *protocol.ConnID) int {
	recipients := b.registry.Recipients(exclude)
	if len(recipients) == 0 {
		return 0
	}

	frames := make(map[protocol.Codec][]byte, 1)
	delivered, dropped := 0, 0
	for _, out := range recipients {
		frame, ok := frames[out.Codec()]
		if !ok {
			var err error
			frame, err = out.Codec().EncodeServer(msg)
			if err != nil {
				b.log.Warnw("encode broadcast failed", "type", typeName(msg), "error", err)
				frame = nil
			}
			frames[out.Codec()] = frame
		}
		if frame == nil {
			dropped++
			continue
		}
		if out.Offer(frame) {
			delivered++
		} else {
			dropped++
			b.log.Debugw("outbox full, dropped", "conn", out.ID(), "type", typeName(msg))
		}
	}
	b.metrics.AddBroadcast(delivered, dropped)
	return delivered
}

// SendTo 只向单个连接入队；连接不存在或队列满返回 false
func (b *Broadcaster) SendTo(id protocol.ConnID, msg protocol.ServerMessage) bool {
	out, ok := b.registry.Lookup(id)
	if !ok {
		return false
	}
	frame, err := out.Codec().EncodeServer(msg)
	if err != nil {
		b.log.Warnw("encode direct message failed", "conn", id, "type", typeName(msg), "error", err)
		return false
	}
	return out.Offer(frame)
}

// Except 构造 exclude 参数
func Except(id protocol.ConnID) *protocol.ConnID { return &id }

func typeName(m protocol.ServerMessage) string {
	switch m.(type) {
	case protocol.Welcome:
		return protocol.TagWelcome
	case protocol.PlayerPosition:
		return protocol.TagPosition
	case protocol.PlayerLeft:
		return protocol.TagPlayerLeft
	case protocol.ClientJoined:
		return protocol.TagClientJoined
	case protocol.ClientLeft:
		return protocol.TagClientLeft
	case protocol.ChatMessage:
		return protocol.TagChat
	default:
		return "unknown"
	}
}
