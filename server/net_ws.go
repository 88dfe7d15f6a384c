package server

import (
	"net/http"

	"posrelay/protocol"
	"posrelay/transport"
)

// HandleWS WebSocket 接入：每条文本消息是一帧 JSON
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := transport.Upgrade(w, req, r.cfg.WebSocket)
	if err != nil {
		// Upgrade 已向客户端写回 HTTP 错误
		r.log.Warnw("upgrade error", "remote", req.RemoteAddr, "error", err)
		return
	}
	if _, err := r.Join(conn, protocol.JSON{}); err != nil {
		r.log.Infow("join failed", "remote", req.RemoteAddr, "error", err)
	}
}
