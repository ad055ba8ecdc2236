// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Link is the byte stream to a BLE gateway
type Link interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrLinkClosed is returned when reading from a closed gateway link
var ErrLinkClosed = errors.New("gateway link closed")

// SerialLink wraps a serial port
type SerialLink struct {
	port serial.Port
}

func (s *SerialLink) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialLink) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialLink) Close() error {
	return s.port.Close()
}

// OpenSerialLink opens a gateway attached to a serial port
func OpenSerialLink(portName string, baudRate int) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &SerialLink{port: port}, nil
}

// ListSerialPorts returns the serial ports present on the host
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// WebSocketLink exposes a WebSocket as a byte stream. Each binary message
// holds one or more bridge frames; text messages are ignored.
type WebSocketLink struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool

	writeMu sync.Mutex
}

func (w *WebSocketLink) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrLinkClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = copy(p, w.buf)
		return w.bufOffset, nil
	}
}

func (w *WebSocketLink) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketLink) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// WebSocketOptions configures OpenWebSocketLink
type WebSocketOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
	// DialTimeout bounds the whole dial. Zero means 15 seconds.
	DialTimeout time.Duration
}

// OpenWebSocketLink dials a gateway with optional HTTP Basic auth
func OpenWebSocketLink(ctx context.Context, wsURL string, opts WebSocketOptions) (*WebSocketLink, error) {
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
			InsecureSkipVerify: opts.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketLink{conn: conn}, nil
}
