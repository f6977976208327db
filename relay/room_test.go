package relay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// join connects a pipe to the room and runs its read loop the way a host does.
func join(t *testing.T, r *Room) (*Peer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	p, err := r.Join(server)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		p.ReadLoop(DefaultBufferSize, func(m Message) {
			r.Broadcast(m)
		})
		r.Leave(p)
	}()
	return p, client
}

func expectRead(t *testing.T, conn net.Conn, expected string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	actual := make([]byte, len(expected))
	if _, err := io.ReadFull(conn, actual); err != nil {
		t.Fatalf("reading %q: %s", expected, err)
	}
	if string(actual) != expected {
		t.Errorf("Got: %q; Expected: %q", actual, expected)
	}
}

func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		t.Errorf("Got unexpected bytes: %q", buf[:n])
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("Got: %v; Expected a timeout", err)
	}
}

func TestRoomBroadcastSkipsSender(t *testing.T) {
	r := NewRoom()
	_, a := join(t, r)
	_, b := join(t, r)
	_, c := join(t, r)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if _, err := a.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	expectRead(t, b, "hi")
	expectRead(t, c, "hi")
	expectSilence(t, a)
}

func TestRoomBroadcastOrder(t *testing.T) {
	r := NewRoom()
	_, a := join(t, r)
	_, b := join(t, r)
	defer a.Close()
	defer b.Close()

	a.Write([]byte("x"))
	a.Write([]byte("y"))
	expectRead(t, b, "xy")

	const count = 50
	expected := &bytes.Buffer{}
	go func() {
		for i := 0; i < count; i++ {
			fmt.Fprintf(a, "%d,", i)
		}
	}()
	for i := 0; i < count; i++ {
		fmt.Fprintf(expected, "%d,", i)
	}
	expectRead(t, b, expected.String())
}

func TestRoomConcurrentSenders(t *testing.T) {
	r := NewRoom()
	_, a := join(t, r)
	_, b := join(t, r)
	_, c := join(t, r)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	// Drain what a and c receive from each other.
	go io.Copy(io.Discard, a)
	go io.Copy(io.Discard, c)

	const rounds = 200
	senders := []struct {
		conn net.Conn
		mark string
	}{{a, "a"}, {c, "c"}}

	wg := sync.WaitGroup{}
	for _, s := range senders {
		wg.Add(1)
		go func(conn net.Conn, mark string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				conn.Write([]byte(mark))
			}
		}(s.conn, s.mark)
	}

	b.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, 2*rounds)
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if strings.Count(string(got), "a") != rounds || strings.Count(string(got), "c") != rounds {
		t.Errorf("Got garbled stream: %q", got)
	}
}

func TestRoomLeave(t *testing.T) {
	r := NewRoom()
	p, a := join(t, r)
	_, b := join(t, r)
	defer a.Close()
	defer b.Close()

	if r.Members.Len() != 2 {
		t.Fatalf("Got %d members; Expected 2", r.Members.Len())
	}
	if !r.Leave(p) {
		t.Error("first leave did not remove the peer")
	}
	if r.Leave(p) {
		t.Error("second leave removed something")
	}
	if r.Members.Len() != 1 {
		t.Errorf("Got %d members; Expected 1", r.Members.Len())
	}
	if n := r.Broadcast(NewMessage(p.ID(), []byte("ghost"))); n != 1 {
		t.Errorf("Got broadcast to %d; Expected 1", n)
	}
	expectRead(t, b, "ghost")
}

func TestRoomDisconnect(t *testing.T) {
	r := NewRoom()
	_, a := join(t, r)
	pb, b := join(t, r)
	defer b.Close()

	// b keeps talking to a while a hangs up.
	go func() {
		for i := 0; i < 20; i++ {
			if _, err := b.Write([]byte("ping")); err != nil {
				return
			}
		}
	}()
	a.Close()

	waitFor(t, "registry to converge", func() bool {
		peers := r.Members.Snapshot()
		return len(peers) == 1 && peers[0] == pb
	})
}

func TestRoomDisconnectMidBroadcast(t *testing.T) {
	r := NewRoom()
	_, a := join(t, r)
	_, b := join(t, r)
	_, c := join(t, r)
	defer b.Close()
	defer c.Close()

	const count = 100
	expected := &bytes.Buffer{}
	for i := 0; i < count; i++ {
		fmt.Fprintf(expected, "msg-%03d;", i)
	}

	// a never reads and hangs up halfway through b's stream.
	go func() {
		for i := 0; i < count; i++ {
			if i == count/2 {
				a.Close()
			}
			if _, err := fmt.Fprintf(b, "msg-%03d;", i); err != nil {
				return
			}
		}
	}()

	expectRead(t, c, expected.String())
	expectSilence(t, c)
	waitFor(t, "a to leave", func() bool {
		return r.Members.Len() == 2
	})
}

func TestRoomSendFailure(t *testing.T) {
	r := NewRoom()
	r.SetQueueSize(1)

	failed := make(chan error, 4)
	r.SetSendErrorHandler(func(p *Peer, err error) {
		failed <- err
	})

	_, a := join(t, r)
	slow, b := join(t, r)
	defer a.Close()
	defer b.Close()

	// b never reads, so its outbox overflows.
	for i := 0; i < 3; i++ {
		r.Broadcast(NewMessage("nobody", []byte("flood")))
	}
	if err := <-failed; err != ErrPeerBufferFull {
		t.Errorf("Got: %v; Expected: %v", err, ErrPeerBufferFull)
	}
	waitFor(t, "slow peer removal", func() bool {
		_, ok := r.Members.Get(slow.ID())
		return !ok
	})
	if !slow.Closed() {
		t.Error("slow peer still open")
	}
}

func TestRoomWriteFailure(t *testing.T) {
	r := NewRoom()
	failed := make(chan error, 1)
	r.SetSendErrorHandler(func(p *Peer, err error) {
		failed <- err
	})

	server, client := net.Pipe()
	p, err := r.Join(server)
	if err != nil {
		t.Fatal(err)
	}
	// No read loop: only the writer can notice.
	client.Close()

	r.Broadcast(NewMessage("nobody", []byte("hello")))
	select {
	case err := <-failed:
		if err == nil {
			t.Error("handler called without an error")
		}
	case <-time.After(time.Second):
		t.Fatal("write failure was not reported")
	}
	waitFor(t, "peer removal", func() bool {
		_, ok := r.Members.Get(p.ID())
		return !ok
	})
}

func TestRoomWriteTimeout(t *testing.T) {
	r := NewRoom()
	r.SetWriteTimeout(20 * time.Millisecond)
	failed := make(chan error, 1)
	r.SetSendErrorHandler(func(p *Peer, err error) {
		failed <- err
	})

	server, client := net.Pipe()
	defer client.Close()
	p, err := r.Join(server)
	if err != nil {
		t.Fatal(err)
	}

	// client never reads, so the write can only time out.
	r.Broadcast(NewMessage("nobody", []byte("hello")))
	select {
	case err := <-failed:
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			t.Errorf("Got: %v; Expected a timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write timeout was not reported")
	}
	waitFor(t, "peer removal", func() bool {
		_, ok := r.Members.Get(p.ID())
		return !ok
	})
}

// stuckWriter blocks every write until released.
type stuckWriter struct {
	entered chan struct{}
	release chan struct{}
}

func (w *stuckWriter) Write(p []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	return len(p), nil
}

func TestRoomLoggingOutsideLock(t *testing.T) {
	r := NewRoom()
	w := &stuckWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r.SetLogging(w)

	go r.Broadcast(NewMessage("nobody", []byte("hi")))
	<-w.entered

	done := make(chan struct{})
	go func() {
		r.SetQueueSize(8)
		r.SetSendErrorHandler(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("room settings blocked behind a traffic log write")
	}
	close(w.release)
}

func TestRoomLogging(t *testing.T) {
	r := NewRoom()
	out := &bytes.Buffer{}
	r.SetLogging(out)

	r.Broadcast(NewMessage("1/pipe", []byte("hi\n")))
	actual := out.String()
	if !strings.HasSuffix(actual, " 1/pipe \"hi\\n\"\n") {
		t.Errorf("Got: %q", actual)
	}
}
