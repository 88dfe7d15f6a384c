package server

import (
	"sync/atomic"
)

// Metrics 记录中继运行期的关键指标（用于监控与调试）
type Metrics struct {
	Accepted      int64 // 接入的连接数
	Closed        int64 // 已拆除的会话数
	FramesIn      int64 // 读到的入站帧数
	DecodeErrors  int64 // 无法解码而被丢弃的帧数
	PositionsIn   int64 // 接受的位置更新数
	ChatsIn       int64 // 接受的聊天消息数
	Broadcasts    int64 // 广播次数
	Delivered     int64 // 成功入队的帧数
	QueueDropped  int64 // 因出站队列满/已关闭而丢弃的帧数
	WriteFailures int64 // 因写失败结束的出站管道数
}

func (m *Metrics) IncAccepted()      { atomic.AddInt64(&m.Accepted, 1) }
func (m *Metrics) IncClosed()        { atomic.AddInt64(&m.Closed, 1) }
func (m *Metrics) IncFramesIn()      { atomic.AddInt64(&m.FramesIn, 1) }
func (m *Metrics) IncDecodeErrors()  { atomic.AddInt64(&m.DecodeErrors, 1) }
func (m *Metrics) IncPositionsIn()   { atomic.AddInt64(&m.PositionsIn, 1) }
func (m *Metrics) IncChatsIn()       { atomic.AddInt64(&m.ChatsIn, 1) }
func (m *Metrics) IncWriteFailures() { atomic.AddInt64(&m.WriteFailures, 1) }
func (m *Metrics) AddBroadcast(delivered, dropped int) {
	atomic.AddInt64(&m.Broadcasts, 1)
	atomic.AddInt64(&m.Delivered, int64(delivered))
	atomic.AddInt64(&m.QueueDropped, int64(dropped))
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"accepted":       atomic.LoadInt64(&m.Accepted),
		"closed":         atomic.LoadInt64(&m.Closed),
		"frames_in":      atomic.LoadInt64(&m.FramesIn),
		"decode_errors":  atomic.LoadInt64(&m.DecodeErrors),
		"positions_in":   atomic.LoadInt64(&m.PositionsIn),
		"chats_in":       atomic.LoadInt64(&m.ChatsIn),
		"broadcasts":     atomic.LoadInt64(&m.Broadcasts),
		"delivered":      atomic.LoadInt64(&m.Delivered),
		"queue_dropped":  atomic.LoadInt64(&m.QueueDropped),
		"write_failures": atomic.LoadInt64(&m.WriteFailures),
	}
}
