package relay

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// testConn is an in-memory Conn recording writes. Reads block until the
// conn is closed.
type testConn struct {
	mu       sync.Mutex
	writes   []Message
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newTestConn() *testConn {
	return &testConn{closed: make(chan struct{})}
}

func (c *testConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("testconn: closed")
}

func (c *testConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, Message{Type: messageType, Data: data})
	return nil
}

func (c *testConn) SetWriteDeadline(time.Time) error { return nil }

func (c *testConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *testConn) written() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.writes))
	copy(out, c.writes)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWriteLoopDrainsInOrder(t *testing.T) {
	conn := newTestConn()
	peer := NewPeer(conn, 8, nil)

	msgs := []Message{
		{Type: 1, Data: []byte("one")},
		{Type: 2, Data: []byte{0x02}},
		{Type: 1, Data: []byte("three")},
	}
	for _, m := range msgs {
		if err := peer.Enqueue(m); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	go peer.WriteLoop(time.Second)
	defer peer.Kill()

	waitFor(t, func() bool { return len(conn.written()) == len(msgs) })

	for i, got := range conn.written() {
		if got.Type != msgs[i].Type || string(got.Data) != string(msgs[i].Data) {
			t.Errorf("write %d = %v %q, want %v %q", i, got.Type, got.Data, msgs[i].Type, msgs[i].Data)
		}
	}
}

func TestEnqueueFull(t *testing.T) {
	peer := NewPeer(newTestConn(), 2, nil)

	if err := peer.Enqueue(Message{Data: []byte("a")}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := peer.Enqueue(Message{Data: []byte("b")}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := peer.Enqueue(Message{Data: []byte("c")}); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("Enqueue() error = %v, want ErrOutboxFull", err)
	}
}

func TestKillStopsWriteLoop(t *testing.T) {
	conn := newTestConn()
	peer := NewPeer(conn, 4, nil)

	done := make(chan struct{})
	go func() {
		peer.WriteLoop(time.Second)
		close(done)
	}()

	peer.Kill()
	peer.Kill() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WriteLoop did not stop after Kill")
	}

	select {
	case <-conn.closed:
	default:
		t.Error("Kill did not close the connection")
	}

	if err := peer.Enqueue(Message{Data: []byte("late")}); err == nil {
		t.Error("Enqueue() after Kill succeeded, want error")
	}
}

func TestWriteErrorKillsPeer(t *testing.T) {
	conn := newTestConn()
	conn.writeErr = errors.New("broken pipe")
	peer := NewPeer(conn, 4, nil)

	if err := peer.Enqueue(Message{Data: []byte("x")}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	go peer.WriteLoop(time.Second)

	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer not killed after write error")
	}
}

func TestReadSurfacesMessages(t *testing.T) {
	conn := newTestConn()
	peer := NewPeer(conn, 4, nil)

	peer.Kill()
	if _, err := peer.Read(); err == nil {
		t.Error("Read() on closed conn succeeded, want error")
	}
}
