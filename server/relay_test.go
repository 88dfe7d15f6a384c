package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"posrelay/protocol"
	"posrelay/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeConn 内存传输：in 提供入站帧，写出的帧记录在 written
type fakeConn struct {
	in chan []byte

	mu       sync.Mutex
	written  [][]byte
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// send 模拟客户端上行
func (c *fakeConn) send(t *testing.T, m protocol.ClientMessage) {
	t.Helper()
	frame, err := protocol.JSON{}.EncodeClient(m)
	require.NoError(t, err)
	c.in <- frame
}

// received 已写给客户端的消息（解码后）
func (c *fakeConn) received(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.written...)
	c.mu.Unlock()
	out := make([]protocol.ServerMessage, 0, len(frames))
	for _, f := range frames {
		m, err := protocol.JSON{}.DecodeServer(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func countOf[T protocol.ServerMessage](msgs []protocol.ServerMessage, match func(T) bool) int {
	n := 0
	for _, m := range msgs {
		if v, ok := m.(T); ok && match(v) {
			n++
		}
	}
	return n
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(DefaultConfig(), zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func join(t *testing.T, r *Relay) (*fakeConn, *Session) {
	t.Helper()
	c := newFakeConn()
	s, err := r.Join(c, protocol.JSON{})
	require.NoError(t, err)
	return c, s
}

func TestRelay_JoinSendsWelcomeFirst(t *testing.T) {
	r := newTestRelay(t)
	c, s := join(t, r)

	msgs := c.received(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.Welcome{ID: s.ID()}, msgs[0])
	assert.Equal(t, 1, r.Registry().Len())
}

func TestRelay_IDsAreMonotonicAndNeverReused(t *testing.T) {
	r := newTestRelay(t)
	seen := map[protocol.ConnID]bool{}
	var last protocol.ConnID
	for i := 0; i < 5; i++ {
		c, s := join(t, r)
		assert.Greater(t, s.ID(), last)
		assert.False(t, seen[s.ID()])
		seen[s.ID()] = true
		last = s.ID()
		close(c.in)
		select {
		case <-s.Done():
		case <-time.After(waitFor):
			t.Fatal("session did not tear down")
		}
	}
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRelay_SnapshotHasOneEntryPerOtherConnection(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		r := newTestRelay(t)
		for i := 0; i < n; i++ {
			c, _ := join(t, r)
			c.send(t, protocol.Position{X: float32(i), Y: 1})
		}
		require.Eventually(t, func() bool { return r.Registry().Positions() == n }, waitFor, tick)

		c, s := join(t, r)
		// 快照在出站协程启动前直接写出，因此总是紧跟 Welcome；之后可能还有并发广播
		msgs := c.received(t)
		require.GreaterOrEqual(t, len(msgs), 1+n)
		ids := map[protocol.ConnID]int{}
		for _, m := range msgs[1 : 1+n] {
			p, ok := m.(protocol.PlayerPosition)
			require.True(t, ok, "snapshot entry is %T", m)
			ids[p.ID]++
		}
		assert.Len(t, ids, n)
		assert.Zero(t, ids[s.ID()], "no self entry")
		for id, count := range ids {
			assert.Equal(t, 1, count, "duplicate entry for %d", id)
		}
	}
}

// A、B、C 依次加入；C 收到 A、B 的快照；A 的更新只到达 B、C
func TestRelay_ThreeClientScenario(t *testing.T) {
	r := newTestRelay(t)

	a, sa := join(t, r)
	a.send(t, protocol.Position{X: 1, Y: 1})
	b, sb := join(t, r)
	b.send(t, protocol.Position{X: 2, Y: 2})
	require.Eventually(t, func() bool { return r.Registry().Positions() == 2 }, waitFor, tick)

	c, sc := join(t, r)
	msgs := c.received(t)
	require.GreaterOrEqual(t, len(msgs), 3)
	snap := msgs[1:3]
	assert.ElementsMatch(t, []protocol.ServerMessage{
		protocol.PlayerPosition{ID: sa.ID(), X: 1, Y: 1},
		protocol.PlayerPosition{ID: sb.ID(), X: 2, Y: 2},
	}, snap)

	a.send(t, protocol.Position{X: 5, Y: 5})
	want := protocol.PlayerPosition{ID: sa.ID(), X: 5, Y: 5}
	isWant := func(p protocol.PlayerPosition) bool { return p == want }
	require.Eventually(t, func() bool {
		return countOf(b.received(t), isWant) == 1 && countOf(c.received(t), isWant) == 1
	}, waitFor, tick)

	assert.Zero(t, countOf(a.received(t), func(p protocol.PlayerPosition) bool { return p.ID == sa.ID() }),
		"sender must not receive its own update")
	require.Eventually(t, func() bool {
		return countOf(a.received(t), func(j protocol.ClientJoined) bool { return j.ID == sc.ID() }) == 1
	}, waitFor, tick)
}

// A 非正常断开：B、C 各收到一次 PlayerLeft；之后加入的 D 的快照不含 A
func TestRelay_AbruptDisconnect(t *testing.T) {
	r := newTestRelay(t)

	a, sa := join(t, r)
	b, _ := join(t, r)
	c, _ := join(t, r)
	a.send(t, protocol.Position{X: 3, Y: 4})
	b.send(t, protocol.Position{X: 0, Y: 0})
	require.Eventually(t, func() bool { return r.Registry().Positions() == 2 }, waitFor, tick)

	require.NoError(t, a.Close())
	<-sa.Done()

	isLeft := func(l protocol.PlayerLeft) bool { return l.ID == sa.ID() }
	require.Eventually(t, func() bool {
		return countOf(b.received(t), isLeft) == 1 && countOf(c.received(t), isLeft) == 1
	}, waitFor, tick)

	d, _ := join(t, r)
	for _, m := range d.received(t) {
		if p, ok := m.(protocol.PlayerPosition); ok {
			assert.NotEqual(t, sa.ID(), p.ID)
		}
	}
	assert.Equal(t, 3, r.Registry().Len())

	// 稍后仍然只有一次
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, countOf(b.received(t), isLeft))
}

func TestRelay_MalformedFrameKeepsSessionOpen(t *testing.T) {
	r := newTestRelay(t)
	a, sa := join(t, r)
	b, _ := join(t, r)

	a.in <- []byte("not json")
	a.in <- []byte(`{"type":"Teleport","x":1,"y":1}`)
	a.in <- []byte("   ")
	a.send(t, protocol.Position{X: 9, Y: 9})

	want := protocol.PlayerPosition{ID: sa.ID(), X: 9, Y: 9}
	require.Eventually(t, func() bool {
		return countOf(b.received(t), func(p protocol.PlayerPosition) bool { return p == want }) == 1
	}, waitFor, tick)
	assert.Equal(t, int64(2), r.Metrics().Snapshot()["decode_errors"])
	assert.Equal(t, 2, r.Registry().Len())
}

func TestRelay_ChatFansOutToOthers(t *testing.T) {
	r := newTestRelay(t)
	a, sa := join(t, r)
	b, _ := join(t, r)

	a.send(t, protocol.Chat{Text: "Hey Man!"})
	want := protocol.ChatMessage{From: sa.ID(), Text: "Hey Man!"}
	require.Eventually(t, func() bool {
		return countOf(b.received(t), func(m protocol.ChatMessage) bool { return m == want }) == 1
	}, waitFor, tick)
	assert.Zero(t, countOf(a.received(t), func(m protocol.ChatMessage) bool { return true }))
}

func TestRelay_EgressFailureTearsDownOnce(t *testing.T) {
	r := newTestRelay(t)
	a, sa := join(t, r)
	b, _ := join(t, r)

	a.failWrites(errors.New("broken pipe"))
	b.send(t, protocol.Position{X: 1, Y: 1}) // 触发写 A

	select {
	case <-sa.Done():
	case <-time.After(waitFor):
		t.Fatal("write failure did not tear down the session")
	}
	isLeft := func(l protocol.PlayerLeft) bool { return l.ID == sa.ID() }
	require.Eventually(t, func() bool { return countOf(b.received(t), isLeft) == 1 }, waitFor, tick)
	assert.Equal(t, 1, r.Registry().Len())
	assert.Equal(t, int64(1), r.Metrics().Snapshot()["closed"])
}

func TestRelay_JoinFailsWhenWelcomeCannotBeWritten(t *testing.T) {
	r := newTestRelay(t)
	c := newFakeConn()
	c.failWrites(errors.New("reset"))

	_, err := r.Join(c, protocol.JSON{})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Registry().Len())
	assert.Equal(t, 0, r.Sessions())
}

func TestRelay_ServeOverTCP(t *testing.T) {
	r := newTestRelay(t)
	ln, err := transport.ListenLine("127.0.0.1:0", transport.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, ln, protocol.JSON{}) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	dial := func() (*transport.Line, protocol.ConnID) {
		c, err := transport.DialLine(ctx, ln.Addr().String(), transport.Config{ReadTimeout: waitFor})
		require.NoError(t, err)
		frame, err := c.ReadFrame()
		require.NoError(t, err)
		m, err := protocol.JSON{}.DecodeServer(frame)
		require.NoError(t, err)
		w, ok := m.(protocol.Welcome)
		require.True(t, ok, "first frame is %T", m)
		return c, w.ID
	}

	a, idA := dial()
	defer a.Close()
	b, idB := dial()
	defer b.Close()

	// A 收到 B 加入的通知
	frame, err := a.ReadFrame()
	require.NoError(t, err)
	m, err := protocol.JSON{}.DecodeServer(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientJoined{ID: idB}, m)

	require.NoError(t, a.WriteFrame([]byte(`{"type":"Position","x":5,"y":5}`)))
	frame, err = b.ReadFrame()
	require.NoError(t, err)
	m, err = protocol.JSON{}.DecodeServer(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.PlayerPosition{ID: idA, X: 5, Y: 5}, m)

	require.NoError(t, a.Close())
	frame, err = b.ReadFrame()
	require.NoError(t, err)
	m, err = protocol.JSON{}.DecodeServer(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.PlayerLeft{ID: idA}, m)
}

func TestRelay_NonFiniteDatagramPositionDoesNotBlockJoins(t *testing.T) {
	r := newTestRelay(t)
	bin := newFakeConn()
	_, err := r.Join(bin, protocol.Binary{})
	require.NoError(t, err)

	frame, err := protocol.Binary{}.EncodeClient(protocol.Position{X: float32(math.NaN()), Y: 1})
	require.NoError(t, err)
	bin.in <- frame
	require.Eventually(t, func() bool {
		return r.Metrics().Snapshot()["decode_errors"] == int64(1)
	}, waitFor, tick)
	assert.Equal(t, 0, r.Registry().Positions())

	for i := 0; i < 3; i++ {
		c, s := join(t, r)
		assert.Equal(t, protocol.Welcome{ID: s.ID()}, c.received(t)[0])
	}
	assert.Equal(t, 4, r.Registry().Len())
}

func TestRelay_SnapshotSkipsEntryThatCannotBeEncoded(t *testing.T) {
	r := newTestRelay(t)
	_, a := join(t, r)
	b, _ := join(t, r)
	b.send(t, protocol.Position{X: 2, Y: 3})
	require.Eventually(t, func() bool { return r.Registry().Positions() == 1 }, waitFor, tick)
	// 绕过解码直接写入，模拟表中出现无法用 JSON 表示的值
	r.Registry().UpdatePosition(a.ID(), protocol.Vec2{X: float32(math.Inf(1)), Y: 0})

	c, s := join(t, r)
	msgs := c.received(t)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, protocol.Welcome{ID: s.ID()}, msgs[0])
	assert.Zero(t, countOf(msgs, func(p protocol.PlayerPosition) bool { return p.ID == a.ID() }))
	assert.Equal(t, 1, countOf(msgs, func(p protocol.PlayerPosition) bool { return p.ID != a.ID() }))
	assert.Equal(t, 3, r.Registry().Len())
}

func TestRelay_JoinAfterShutdownIsRefused(t *testing.T) {
	r := newTestRelay(t)
	_, s := join(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("live session not closed by shutdown")
	}

	c := newFakeConn()
	_, err := r.Join(c, protocol.JSON{})
	require.ErrorIs(t, err, ErrShuttingDown)
	select {
	case <-c.closed:
	default:
		t.Fatal("refused connection left open")
	}
	assert.Equal(t, 0, r.Sessions())
	assert.Equal(t, 0, r.Registry().Len())
	assert.Empty(t, c.received(t))
}

func TestRelay_ShutdownDoesNotWaitForRefusedServeJoins(t *testing.T) {
	// 被拒绝的接入在测试结束后仍可能写日志
	r := New(DefaultConfig(), zap.NewNop().Sugar())
	ln, err := transport.ListenLine("127.0.0.1:0", transport.DefaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx, ln, protocol.JSON{}) }()

	sctx, scancel := context.WithTimeout(context.Background(), waitFor)
	defer scancel()
	require.NoError(t, r.Shutdown(sctx))

	// Serve 仍在接受连接，但接入被拒绝并立即关闭
	c, err := transport.DialLine(ctx, ln.Addr().String(), transport.Config{ReadTimeout: waitFor})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, r.Sessions())
}
