package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Datagram 已连接的 UDP 套接字（客户端使用），每个数据报一帧
type Datagram struct {
	conn net.Conn
	cfg  Config
	buf  []byte
}

var _ Conn = (*Datagram)(nil)

// DialDatagram 连接 UDP 地址
func DialDatagram(ctx context.Context, addr string, cfg Config) (*Datagram, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return NewDatagram(c, cfg), nil
}

// NewDatagram 包装面向报文的连接
func NewDatagram(c net.Conn, cfg Config) *Datagram {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DatagramConfig().MaxFrameSize
	}
	// 多一个字节用于识别超长数据报
	return &Datagram{conn: c, cfg: cfg, buf: make([]byte, cfg.MaxFrameSize+1)}
}

func (d *Datagram) ReadFrame() ([]byte, error) {
	if d.cfg.ReadTimeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	}
	n, err := d.conn.Read(d.buf)
	if err != nil {
		return nil, err
	}
	if n > d.cfg.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, n)
	copy(frame, d.buf[:n])
	return frame, nil
}

func (d *Datagram) WriteFrame(frame []byte) error {
	if len(frame) > d.cfg.MaxFrameSize {
		return ErrFrameTooLarge
	}
	if d.cfg.WriteTimeout > 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	_, err := d.conn.Write(frame)
	return err
}

func (d *Datagram) Close() error         { return d.conn.Close() }
func (d *Datagram) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }

// PacketListener 按来源地址把一个 UDP 套接字拆分为多个虚拟连接
//
// 每个新地址的首个数据报产生一个 Conn；该 Conn 在 ReadTimeout 内收不到数据即视为断开。
type PacketListener struct {
	pc  net.PacketConn
	cfg Config

	mu    sync.Mutex
	peers map[string]*packetPeer

	accept    chan *packetPeer
	done      chan struct{}
	closeOnce sync.Once
}

var _ Listener = (*PacketListener)(nil)

// ListenPacket 在 UDP 地址上监听
func ListenPacket(addr string, cfg Config) (*PacketListener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewPacketListener(pc, cfg), nil
}

// NewPacketListener 包装已有的报文套接字并启动接收协程
func NewPacketListener(pc net.PacketConn, cfg Config) *PacketListener {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DatagramConfig().MaxFrameSize
	}
	l := &PacketListener{
		pc:     pc,
		cfg:    cfg,
		peers:  make(map[string]*packetPeer),
		accept: make(chan *packetPeer, 16),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *PacketListener) readLoop() {
	buf := make([]byte, l.cfg.MaxFrameSize+1)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			_ = l.Close()
			return
		}
		if n > l.cfg.MaxFrameSize {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		p, fresh := l.peer(addr)
		if fresh {
			select {
			case l.accept <- p:
			default:
				// 接入积压：丢弃该地址，等待其重发
				l.forget(p)
				continue
			}
		}
		select {
		case p.in <- frame:
		default:
			// 读方跟不上：按数据报语义丢弃
		}
	}
}

func (l *PacketListener) peer(addr net.Addr) (*packetPeer, bool) {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[key]; ok {
		return p, false
	}
	p := &packetPeer{
		l:    l,
		addr: addr,
		key:  key,
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	l.peers[key] = p
	return p, true
}

func (l *PacketListener) forget(p *packetPeer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers[p.key] == p {
		delete(l.peers, p.key)
	}
}

func (l *PacketListener) Accept() (Conn, error) {
	select {
	case p := <-l.accept:
		return p, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close 关闭套接字，所有虚拟连接随之读到 EOF
func (l *PacketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.pc.Close()
	})
	return err
}

func (l *PacketListener) Addr() net.Addr { return l.pc.LocalAddr() }

// packetPeer 一个远端地址对应的虚拟连接
type packetPeer struct {
	l    *PacketListener
	addr net.Addr
	key  string
	in   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (p *packetPeer) ReadFrame() ([]byte, error) {
	var timeout <-chan time.Time
	if p.l.cfg.ReadTimeout > 0 {
		t := time.NewTimer(p.l.cfg.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		return nil, io.EOF
	case <-p.l.done:
		return nil, io.EOF
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (p *packetPeer) WriteFrame(frame []byte) error {
	if len(frame) > p.l.cfg.MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}
	if p.l.cfg.WriteTimeout > 0 {
		_ = p.l.pc.SetWriteDeadline(time.Now().Add(p.l.cfg.WriteTimeout))
	}
	_, err := p.l.pc.WriteTo(frame, p.addr)
	return err
}

// Close 释放该地址；之后同一地址的新数据报会产生新的连接
func (p *packetPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.l.forget(p)
	})
	return nil
}

func (p *packetPeer) RemoteAddr() net.Addr { return p.addr }
