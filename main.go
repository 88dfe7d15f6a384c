package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"posrelay/logging"
	"posrelay/protocol"
	"posrelay/server"
	"posrelay/transport"
)

// 位置中继入口：TCP 行协议为主，可选 WebSocket/管理接口与 UDP 数据报
func main() {
	// .env 只提供日志相关的默认值，缺失时忽略
	_ = godotenv.Load()

	var (
		wsAddr  string
		udpAddr string
		logFile string
		debug   bool
	)
	flag.StringVar(&wsAddr, "ws", "", "HTTP address for /ws, /metrics and /healthz, e.g. 127.0.0.1:8081 (disabled when empty)")
	flag.StringVar(&udpAddr, "udp", "", "UDP address for binary datagram clients (disabled when empty)")
	flag.StringVar(&logFile, "log", os.Getenv("LOG_FILE"), "log file path with rotation (stderr when empty)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] [BIND_ADDR]\n\nBIND_ADDR defaults to %s\n\nOptions:\n", os.Args[0], server.DefaultAddr)
		flag.PrintDefaults()
	}
	flag.Parse()

	addr := server.DefaultAddr
	if flag.NArg() > 0 {
		addr = flag.Arg(0)
	}

	level := os.Getenv("LOG_LEVEL")
	if debug {
		level = "debug"
	}
	log, err := logging.New(logging.Options{FilePath: logFile, Level: level, Name: "relay"})
	if err != nil {
		panic(err)
	}
	defer logging.Sync(log)

	cfg := server.DefaultConfig()
	relay := server.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := transport.ListenLine(addr, cfg.Stream)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	errc := make(chan error, 3)
	go func() { errc <- relay.Serve(ctx, ln, protocol.JSON{}) }()

	if udpAddr != "" {
		pl, err := transport.ListenPacket(udpAddr, cfg.Datagram)
		if err != nil {
			log.Fatalf("listen udp %s: %v", udpAddr, err)
		}
		go func() { errc <- relay.Serve(ctx, pl, protocol.Binary{}) }()
	}

	var srv *http.Server
	if wsAddr != "" {
		srv = &http.Server{Addr: wsAddr, Handler: relay.Mux(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Infof("websocket and admin endpoints on http://%s/", wsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}
	stop()

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
}
