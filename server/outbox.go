package server

import (
	"sync"

	"posrelay/protocol"
)

// Outbox 单个连接的出站队列（已编码的帧）
//
// 队列本身从不关闭：关闭只通过 done 通知，因此并发的 Offer 不会向已关闭的通道写入。
type Outbox struct {
	id    protocol.ConnID
	codec protocol.Codec
	queue chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewOutbox 创建容量为 size 的出站队列；codec 决定广播时为该连接选用的编码
func NewOutbox(id protocol.ConnID, codec protocol.Codec, size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		id:    id,
		codec: codec,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// ID 所属连接
func (o *Outbox) ID() protocol.ConnID { return o.id }

// Codec 该连接使用的编码
func (o *Outbox) Codec() protocol.Codec { return o.codec }

// Offer 非阻塞入队；队列满或已关闭时返回 false（消息对该接收者丢弃）
func (o *Outbox) Offer(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- frame:
		return true
	default:
		// 满则丢弃
		return false
	}
}

// Close 通知出站协程退出，可重复调用
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Done 关闭通知
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Len 当前排队的帧数
func (o *Outbox) Len() int { return len(o.queue) }
