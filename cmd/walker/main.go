// Command walker 是无界面的演示客户端：若干机器人沿圆周移动并上报位置，
// 同时把收到的其他玩家位置对账到本地状态，定期打印。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"posrelay/client"
	"posrelay/logging"
	"posrelay/protocol"
	"posrelay/server"
)

type options struct {
	addr     string
	network  string
	bots     int
	radius   float64
	chat     string
	duration time.Duration
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.addr, "addr", "", "relay address: host:port for tcp/udp (default "+server.DefaultAddr+
		"); for ws the relay's -ws HTTP address or a ws:// URL, required")
	flag.StringVar(&opts.network, "network", "tcp", "transport: tcp, ws or udp")
	flag.IntVar(&opts.bots, "n", 1, "number of bots")
	flag.Float64Var(&opts.radius, "radius", 100, "circle radius")
	flag.StringVar(&opts.chat, "chat", "", "chat text each bot sends every few seconds (none when empty)")
	flag.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 = until interrupted)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	addr, err := resolveAddr(opts.network, opts.addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walker: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	opts.addr = addr

	level := os.Getenv("LOG_LEVEL")
	if *debug {
		level = "debug"
	}
	log, err := logging.New(logging.Options{FilePath: os.Getenv("LOG_FILE"), Level: level, Name: "walker"})
	if err != nil {
		panic(err)
	}
	defer logging.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	bridges := make([]*client.Bridge, 0, opts.bots)
	var wg sync.WaitGroup
	for i := 0; i < opts.bots; i++ {
		b, err := client.Dial(ctx, opts.network, opts.addr, client.DefaultConfig(), log)
		if err != nil {
			log.Errorf("network disabled (failed to connect to %s): %v", opts.addr, err)
			break
		}
		bridges = append(bridges, b)
		wg.Add(1)
		go func(n int, b *client.Bridge) {
			defer wg.Done()
			runBot(ctx, n, b, opts, log)
		}(i, b)
	}

	wg.Wait()
	if err := client.CloseAll(bridges...); err != nil {
		log.Debugf("close: %v", err)
	}
}

func runBot(ctx context.Context, n int, b *client.Bridge, opts options, log *zap.SugaredLogger) {
	w := client.NewWorld()
	log = log.With("bot", n, "bridge", b.ID().String())

	// 各机器人从不同相位出发，避免重叠
	phase := float64(n) * math.Pi / 4
	center := protocol.Vec2{X: 480, Y: 270}
	ticks := 0
	step := func(w *client.World, dt time.Duration) protocol.ClientMessage {
		ticks++
		phase += dt.Seconds()
		w.Pos = protocol.Vec2{
			X: center.X + float32(opts.radius*math.Cos(phase)),
			Y: center.Y + float32(opts.radius*math.Sin(phase)),
		}
		if ticks%client.TicksPerSecond == 0 {
			id, _ := w.Self()
			log.Infow("status", "self", id, "remote", w.RemoteCount())
			for _, c := range w.Chat() {
				log.Debugw("chat", "from", c.From, "text", c.Text)
			}
		}
		if opts.chat != "" && ticks%(5*client.TicksPerSecond) == 0 {
			return protocol.Chat{Text: opts.chat}
		}
		return protocol.Position{X: w.Pos.X, Y: w.Pos.Y}
	}

	st, err := client.RunTicker(ctx, b, w, client.TickInterval, step)
	switch {
	case errors.Is(err, client.ErrDisconnected):
		log.Warnw("server disconnected", "ticks", st.Ticks)
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		log.Errorw("ticker stopped", "error", err)
	default:
		in, out := b.Dropped()
		log.Infow("done", "ticks", st.Ticks, "sent", st.Sent, "applied", st.Applied, "dropped_in", in, "dropped_out", out)
	}
}

// resolveAddr 补全默认地址；WebSocket 在中继的独立 -ws 地址上提供，没有可用的默认值
func resolveAddr(network, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	if network == "ws" {
		return "", errors.New("-addr is required with -network ws (the relay serves /ws on its -ws address)")
	}
	return server.DefaultAddr, nil
}
