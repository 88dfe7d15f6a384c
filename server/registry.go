package server

import (
	"sort"
	"sync"

	"posrelay/protocol"
)

// Entry 快照中的一条位置
type Entry struct {
	ID  protocol.ConnID
	Pos protocol.Vec2
}

// Registry 在线连接表：出站队列与最后已知位置，两张表由同一把锁保护
//
// 任何方法都不在持锁期间做 I/O；需要对外发送时先复制、释放锁，再发送。
type Registry struct {
	mu        sync.Mutex
	outbound  map[protocol.ConnID]*Outbox
	positions map[protocol.ConnID]protocol.Vec2
}

// NewRegistry 创建空表
func NewRegistry() *Registry {
	return &Registry{
		outbound:  make(map[protocol.ConnID]*Outbox),
		positions: make(map[protocol.ConnID]protocol.Vec2),
	}
}

// Register 登记连接的出站队列；位置在首次上报时才写入
func (r *Registry) Register(id protocol.ConnID, out *Outbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[id] = out
}

// UpdatePosition 整体覆盖位置；未登记（或已注销）的 id 忽略
func (r *Registry) UpdatePosition(id protocol.ConnID, pos protocol.Vec2) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outbound[id]; !ok {
		return
	}
	r.positions[id] = pos
}

// SnapshotPositions 返回除 exclude 外所有位置的一致副本，按 id 升序
func (r *Registry) SnapshotPositions(exclude protocol.ConnID) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.positions))
	for id, pos := range r.positions {
		if id == exclude {
			continue
		}
		out = append(out, Entry{ID: id, Pos: pos})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recipients 复制当前所有出站队列（exclude 为 nil 表示不排除任何连接）
func (r *Registry) Recipients(exclude *protocol.ConnID) []*Outbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Outbox, 0, len(r.outbound))
	for id, o := range r.outbound {
		if exclude != nil && id == *exclude {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Lookup 查找单个连接的出站队列
func (r *Registry) Lookup(id protocol.ConnID) (*Outbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outbound[id]
	return o, ok
}

// Unregister 在同一临界区内删除两张表中的条目；返回是否确有删除
func (r *Registry) Unregister(id protocol.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.outbound[id]
	delete(r.outbound, id)
	delete(r.positions, id)
	return ok
}

// Len 在线连接数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbound)
}

// Positions 已上报位置的连接数
func (r *Registry) Positions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}
