package client

import (
	"context"
	"time"

	"posrelay/protocol"
)

const (
	// TicksPerSecond 客户端逻辑帧率（20 TPS）
	TicksPerSecond = 20
)

// TickInterval 默认 Tick 间隔（50ms）
var TickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond

// StepFunc 每个 Tick 推进一次本地逻辑；返回非 nil 时作为本帧唯一的上行消息
type StepFunc func(w *World, dt time.Duration) protocol.ClientMessage

// Stats 一次运行的统计
type Stats struct {
	Ticks    int64
	Applied  int64
	Sent     int64
	Rejected int64 // 出站队列满被丢弃
}

// RunTicker 以固定间隔运行：取走入站消息 → 对账 → 推进本地逻辑 → 至多发送一条更新
//
// ctx 取消时返回 ctx.Err()；与服务端断开时返回 ErrDisconnected。
func RunTicker(ctx context.Context, b *Bridge, w *World, interval time.Duration, step StepFunc) (Stats, error) {
	if interval <= 0 {
		interval = TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var st Stats
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-b.Done():
			// 断开前已到达的消息仍然应用
			st.Applied += int64(b.Drain(func(m protocol.ServerMessage) { _ = w.Apply(m) }))
			return st, ErrDisconnected
		case now := <-ticker.C:
			st.Ticks++
			st.Applied += int64(b.Drain(func(m protocol.ServerMessage) {
				if err := w.Apply(m); err != nil {
					b.log.Warnw("unknown message type", "error", err)
				}
			}))
			dt := now.Sub(last)
			last = now
			if step == nil {
				continue
			}
			if msg := step(w, dt); msg != nil {
				if b.Send(msg) {
					st.Sent++
				} else {
					st.Rejected++
				}
			}
		}
	}
}
