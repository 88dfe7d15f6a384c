package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// 等待 pong 的时间
	pongWait = 60 * time.Second
	// 发送 ping 的周期，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Upgrader 服务端 WebSocket 升级器
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// WebSocket 每条消息一帧
type WebSocket struct {
	ws          *websocket.Conn
	cfg         Config
	messageType int

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*WebSocket)(nil)

// NewWebSocket 包装已建立的连接；keepalive 为 true 时由本端周期发送 ping（服务端使用）
func NewWebSocket(ws *websocket.Conn, cfg Config, keepalive bool) *WebSocket {
	c := &WebSocket{
		ws:          ws,
		cfg:         cfg,
		messageType: websocket.TextMessage,
		done:        make(chan struct{}),
	}
	if cfg.MaxFrameSize > 0 {
		ws.SetReadLimit(int64(cfg.MaxFrameSize))
	}
	if keepalive {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop()
	}
	return c
}

// Upgrade 将 HTTP 请求升级为 WebSocket 连接
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*WebSocket, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(ws, cfg, true), nil
}

// DialWebSocket 连接 ws:// 地址
func DialWebSocket(ctx context.Context, url string, cfg Config) (*WebSocket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(ws, cfg, false), nil
}

func (c *WebSocket) ReadFrame() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	// 任何入站数据都说明对端仍存活
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	return payload, nil
}

func (c *WebSocket) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.ws.WriteMessage(c.messageType, frame)
}

// Close 发送关闭帧并关闭底层连接，可重复调用
func (c *WebSocket) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocket) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// pingLoop 独立协程；WriteControl 可与 WriteMessage 并发调用
func (c *WebSocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// IsNormalClose 对端按 WebSocket 协议正常关闭
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
