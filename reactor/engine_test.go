package reactor

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func fdOf(t *testing.T, f *os.File) int {
	t.Helper()
	return int(f.Fd())
}

func setNonblocking(t *testing.T, fd int) {
	t.Helper()
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
}

func driveUntil(e *Engine, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			e.WaitForEvent()
		}
	}
}

func TestReadSomeSynchronousCompletion(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	setNonblocking(t, fdOf(t, r))

	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	e := New()
	buf := make([]byte, 4)
	done := make(chan int, 1)
	e.ReadSome(fdOf(t, r), buf, func(res int) { done <- res })

	select {
	case res := <-done:
		if res != 2 {
			t.Errorf("expected res=2, got %d", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("synchronous completion never fired")
	}
}

func TestReadSomeWaitsForReadiness(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	setNonblocking(t, fdOf(t, r))

	e := New()
	buf := make([]byte, 4)
	done := make(chan int, 1)
	e.ReadSome(fdOf(t, r), buf, func(res int) { done <- res })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driveUntil(e, stop)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := w.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case res := <-done:
		if res != 2 {
			t.Errorf("expected res=2, got %d", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deferred completion never fired")
	}
	close(stop)
	wg.Wait()
}

func TestReadFullBuffer(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	setNonblocking(t, fdOf(t, r))

	e := New()
	buf := make([]byte, 5)
	done := make(chan int, 1)
	e.Read(fdOf(t, r), buf, func(res int) { done <- res })

	stop := make(chan struct{})
	go driveUntil(e, stop)
	defer close(stop)

	w.Write([]byte("ab"))
	time.Sleep(5 * time.Millisecond)
	w.Write([]byte("cde"))

	select {
	case res := <-done:
		if res != 5 || string(buf) != "abcde" {
			t.Errorf("expected res=5 buf=abcde, got res=%d buf=%q", res, buf)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read never completed")
	}
}

func TestWriteRoundTripsOnPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	setNonblocking(t, fdOf(t, w))
	setNonblocking(t, fdOf(t, r))

	e := New()
	payload := []byte("round trip")
	writeDone := make(chan int, 1)
	e.Write(fdOf(t, w), payload, func(res int) { writeDone <- res })

	stop := make(chan struct{})
	go driveUntil(e, stop)
	defer close(stop)

	select {
	case res := <-writeDone:
		if res != len(payload) {
			t.Fatalf("expected write of %d bytes, got %d", len(payload), res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("write never completed")
	}

	readBuf := make([]byte, len(payload))
	readDone := make(chan int, 1)
	e.Read(fdOf(t, r), readBuf, func(res int) { readDone <- res })

	select {
	case res := <-readDone:
		if res != len(payload) || string(readBuf) != string(payload) {
			t.Errorf("round trip mismatch: res=%d buf=%q", res, readBuf)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read never completed")
	}
}

func TestReadUntilMatchesDelimiter(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	setNonblocking(t, fdOf(t, r))

	e := New()
	var buf []byte
	done := make(chan int, 1)
	e.ReadUntil(fdOf(t, r), &buf, []byte("\r\n"), 1<<16, func(res int) { done <- res })

	stop := make(chan struct{})
	go driveUntil(e, stop)
	defer close(stop)

	w.Write([]byte("USER anon"))
	time.Sleep(5 * time.Millisecond)
	w.Write([]byte("ymous\r\nPWD\r\n"))

	select {
	case res := <-done:
		if res != len("USER anonymous\r\n") {
			t.Errorf("expected match length %d, got %d", len("USER anonymous\r\n"), res)
		}
		if string(buf[:res]) != "USER anonymous\r\n" {
			t.Errorf("unexpected matched prefix: %q", buf[:res])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read_until never matched")
	}
}

func TestReadUntilDelimiterAtStart(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	setNonblocking(t, fdOf(t, r))

	if _, err := w.Write([]byte("\r\nrest")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	e := New()
	var buf []byte
	done := make(chan int, 1)
	e.ReadUntil(fdOf(t, r), &buf, []byte("\r\n"), 1<<16, func(res int) { done <- res })

	select {
	case res := <-done:
		if res != 2 {
			t.Errorf("expected immediate match of length 2, got %d", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("read_until with leading delimiter never matched")
	}
}

func TestReadUntilReportsENOMEM(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	setNonblocking(t, fdOf(t, r))

	if _, err := w.Write([]byte("no delimiter here")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	e := New()
	var buf []byte
	done := make(chan int, 1)
	e.ReadUntil(fdOf(t, r), &buf, []byte("\r\n"), 4, func(res int) { done <- res })

	select {
	case res := <-done:
		if res != ENOMEM {
			t.Errorf("expected ENOMEM, got %d", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("read_until never gave up")
	}
}

func TestAcceptAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		t.Fatalf("expected *net.TCPListener")
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	defer lnFile.Close()
	setNonblocking(t, fdOf(t, lnFile))

	e := New()
	done := make(chan int, 1)
	e.Accept(fdOf(t, lnFile), func(res int) { done <- res })

	stop := make(chan struct{})
	go driveUntil(e, stop)
	defer close(stop)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case res := <-done:
		if res <= 0 {
			t.Errorf("expected accepted fd > 0, got %d", res)
		} else {
			unix.Close(res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("accept never completed")
	}
}

func TestInterruptUnblocksWaitForEvent(t *testing.T) {
	e := New()
	r, _, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	setNonblocking(t, fdOf(t, r))

	// Register a wait that will never become ready on its own.
	e.ReadSome(fdOf(t, r), make([]byte, 1), func(int) {})

	e.Interrupt()
	returned := make(chan struct{})
	go func() {
		e.WaitForEvent()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("WaitForEvent did not return promptly after Interrupt")
	}
}
