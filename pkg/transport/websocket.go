// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Thermoquad/echostat/pkg/meter"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocket is a meter transport through a WebSocket serial bridge. The
// bridge owns the UART settings, so no wake-up is sent from here.
type WebSocket struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex

	readMu    sync.Mutex
	buf       []byte
	bufOffset int

	incoming  chan []byte
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err      error
}

// OpenWebSocket opens a WebSocket connection with HTTP Basic auth
func OpenWebSocket(wsURL, username, password string, skipSSLVerify bool) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocket(conn, wsURL), nil
}

func newWebSocket(conn *websocket.Conn, wsURL string) *WebSocket {
	w := &WebSocket{
		conn:     conn,
		url:      wsURL,
		incoming: make(chan []byte, 32),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go w.readPump()
	return w
}

// readPump moves binary messages into incoming. A gorilla connection is
// unusable after a read deadline expires, so per-read timeouts are taken
// on the channel instead.
func (w *WebSocket) readPump() {
	defer close(w.done)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.errMu.Lock()
			w.err = err
			w.errMu.Unlock()
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.incoming <- data:
		case <-w.closing:
			return
		}
	}
}

// String describes the connection
func (w *WebSocket) String() string {
	return fmt.Sprintf("WebSocket: %s", w.url)
}

// Write sends p as one binary message
func (w *WebSocket) Write(p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

// ReadWithTimeout returns up to max buffered bytes, waiting at most
// timeout for the next message
func (w *WebSocket) ReadWithTimeout(max int, timeout time.Duration) ([]byte, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if w.bufOffset < len(w.buf) {
		return w.take(max), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-w.incoming:
		w.buf = data
		w.bufOffset = 0
		return w.take(max), nil
	case <-w.done:
		// drain what arrived before the close
		select {
		case data := <-w.incoming:
			w.buf = data
			w.bufOffset = 0
			return w.take(max), nil
		default:
		}
		return nil, w.closedErr()
	case <-timer.C:
		return nil, meter.ErrTimeout
	}
}

func (w *WebSocket) take(max int) []byte {
	end := w.bufOffset + max
	if end > len(w.buf) {
		end = len(w.buf)
	}
	out := append([]byte(nil), w.buf[w.bufOffset:end]...)
	w.bufOffset = end
	return out
}

func (w *WebSocket) closedErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
	}
	return ErrConnectionClosed
}

// FlushInput discards buffered and queued messages
func (w *WebSocket) FlushInput() error {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	w.buf = nil
	w.bufOffset = 0
	for {
		select {
		case <-w.incoming:
		default:
			return nil
		}
	}
}

// Close closes the connection and stops the read pump, even when it is
// blocked on a full queue
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() { close(w.closing) })
	return w.conn.Close()
}
