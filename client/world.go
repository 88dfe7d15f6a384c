package client

import (
	"fmt"

	"posrelay/protocol"
)

// chatHistory 保留的聊天条数
const chatHistory = 32

// World 客户端本地状态；只由 Tick 所在的协程访问，不加锁
type World struct {
	self    protocol.ConnID
	hasSelf bool

	// Pos 本地玩家位置（自身权威，不被服务端回显覆盖）
	Pos protocol.Vec2

	remote map[protocol.ConnID]protocol.Vec2
	chat   []protocol.ChatMessage
}

// NewWorld 创建空状态
func NewWorld() *World {
	return &World{remote: make(map[protocol.ConnID]protocol.Vec2)}
}

// Apply 应用一条服务端消息
func (w *World) Apply(m protocol.ServerMessage) error {
	switch v := m.(type) {
	case protocol.Welcome:
		w.self, w.hasSelf = v.ID, true
		// 自己不应出现在远端表中
		delete(w.remote, v.ID)
	case protocol.PlayerPosition:
		if w.hasSelf && v.ID == w.self {
			return nil
		}
		w.remote[v.ID] = v.Pos()
	case protocol.PlayerLeft:
		delete(w.remote, v.ID)
	case protocol.ClientLeft:
		delete(w.remote, v.ID)
	case protocol.ClientJoined:
		// 位置在其首次上报时才出现
	case protocol.ChatMessage:
		w.chat = append(w.chat, v)
		if len(w.chat) > chatHistory {
			w.chat = w.chat[len(w.chat)-chatHistory:]
		}
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnrecognized, m)
	}
	return nil
}

// Self 服务端分配的自身 id；收到 Welcome 之前 ok 为 false
func (w *World) Self() (id protocol.ConnID, ok bool) {
	return w.self, w.hasSelf
}

// Remote 远端玩家位置的副本
func (w *World) Remote() map[protocol.ConnID]protocol.Vec2 {
	out := make(map[protocol.ConnID]protocol.Vec2, len(w.remote))
	for id, p := range w.remote {
		out[id] = p
	}
	return out
}

// RemoteCount 远端玩家数
func (w *World) RemoteCount() int { return len(w.remote) }

// Chat 最近的聊天记录（旧 → 新）
func (w *World) Chat() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(w.chat))
	copy(out, w.chat)
	return out
}
