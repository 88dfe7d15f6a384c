package server

import (
	"encoding/json"
	"net/http"
)

// HandleMetrics 输出中继的运行指标
// GET /metrics
func (r *Relay) HandleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{
		"clients":   r.registry.Len(),
		"positions": r.registry.Positions(),
		"sessions":  r.Sessions(),
		"metrics":   r.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// HandlePositions 输出当前位置快照（调试用）
// GET /positions
func (r *Relay) HandlePositions(w http.ResponseWriter, req *http.Request) {
	type entry struct {
		ID uint32  `json:"id"`
		X  float32 `json:"x"`
		Y  float32 `json:"y"`
	}
	// 0 不会被分配，因此不排除任何连接
	snap := r.registry.SnapshotPositions(0)
	out := make([]entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, entry{ID: uint32(e.ID), X: e.Pos.X, Y: e.Pos.Y})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Mux 管理与 WebSocket 接入的路由
func (r *Relay) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.HandleWS)
	mux.HandleFunc("/metrics", r.HandleMetrics)
	mux.HandleFunc("/positions", r.HandlePositions)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
