package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/fwdcache/internal/config"
)

// useBufferWriters swaps stdOut/stdErr with in-memory buffers for the duration
// of a test, allowing assertions on CLI output without polluting test logs.
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer returns the in-use stdout buffer when useBufferWriters is active.
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer returns the in-use stderr buffer when useBufferWriters is active.
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// setListeningHook installs onListening for one test.
func setListeningHook(t *testing.T, hook func(proxyAddr, adminAddr net.Addr)) {
	t.Helper()
	prev := onListening
	onListening = hook
	t.Cleanup(func() { onListening = prev })
}

// startServe runs serve in the background and returns the proxy address plus
// a stop function that cancels and waits for shutdown.
func startServe(t *testing.T, cfg *config.Config) (string, func()) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	addrCh := make(chan net.Addr, 1)
	setListeningHook(t, func(proxyAddr, _ net.Addr) { addrCh <- proxyAddr })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger, "inline") }()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("serve did not start")
	}

	// 通配地址无法直接拨号，换成回环地址。
	_, port, _ := net.SplitHostPort(addr.String())
	proxyAddr := net.JoinHostPort("127.0.0.1", port)

	return proxyAddr, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	}
}

// roundTrip sends a raw request and reads until the proxy closes the socket.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(body)
}
