package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

const (
	channelPath          = "/channel"
	connectRetryInterval = 200 * time.Millisecond
	wsBufferSize         = 1 << 16
)

// #############################################################################

// NewEndpoint creates a transport listening on port. Call Start before use.
func NewEndpoint(port int) *Endpoint {
	return &Endpoint{
		addr: fmt.Sprintf(":%d", port),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
		},
		listening: atomic.NewBool(false),
		stopped:   atomic.NewBool(false),
		channels:  make(map[string]*wsChannel),
		sent:      atomic.NewUint64(0),
		received:  atomic.NewUint64(0),
	}
}

func (e *Endpoint) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e.addr, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(channelPath, e.handleChannel)

	e.server = &http.Server{Handler: r}
	e.listening.Store(true)
	go func() {
		_ = e.server.Serve(ln)
	}()
	return nil
}

func (e *Endpoint) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !e.listening.Load() {
		http.Error(w, "not accepting channels", http.StatusServiceUnavailable)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.register(name, conn)
}

func (e *Endpoint) register(name string, conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.channels[name]; ok {
		old.conn.Close()
	}
	e.channels[name] = &wsChannel{conn: conn}
}

// Connect dials address and registers the channel locally as name. The remote
// side registers it as advertised. Dialing is retried until ctx ends, since the
// peer may not be listening yet.
func (e *Endpoint) Connect(ctx context.Context, name, address, advertised string) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     address,
		Path:     channelPath,
		RawQuery: url.Values{"name": {advertised}}.Encode(),
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	for {
		if e.stopped.Load() {
			return ErrEndpointStopped
		}
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			e.register(name, conn)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s to %s: %w", name, address, errors.Join(ctx.Err(), err))
		case <-time.After(connectRetryInterval):
		}
	}
}

func (e *Endpoint) channel(name string) (*wsChannel, error) {
	if e.stopped.Load() {
		return nil, ErrEndpointStopped
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// #############################################################################

// Write sends buf as one frame on the named channel.
func (e *Endpoint) Write(ctx context.Context, name string, buf []byte) error {
	ch, err := e.channel(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	// Close is the only call gorilla allows concurrently with a writer. The
	// channel is unusable after a cancelled write.
	stop := context.AfterFunc(ctx, func() {
		_ = ch.conn.Close()
	})
	defer stop()

	if err := ch.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("write %s: %w", name, wrapCtx(ctx, err))
	}
	e.sent.Add(uint64(len(buf)))
	return nil
}

// Read blocks until exactly len(buf) bytes arrived on the named channel. A read
// may span several frames and may stop in the middle of one.
func (e *Endpoint) Read(ctx context.Context, name string, buf []byte) error {
	ch, err := e.channel(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	// The deadline only ever comes from ctx ending, so a timed out read always
	// reports the context error.
	if err := ch.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ch.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	off := 0
	for off < len(buf) {
		if ch.reader == nil {
			_, r, err := ch.conn.NextReader()
			if err != nil {
				return fmt.Errorf("read %s: %w", name, wrapCtx(ctx, err))
			}
			ch.reader = r
		}
		n, err := ch.reader.Read(buf[off:])
		off += n
		if err == io.EOF {
			ch.reader = nil
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, wrapCtx(ctx, err))
		}
	}
	e.received.Add(uint64(len(buf)))
	return nil
}

func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

// #############################################################################

func (e *Endpoint) RemoteNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.channels))
	for name := range e.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Endpoint) NumChannels() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

// StopListen refuses further inbound channels. Established channels stay open.
func (e *Endpoint) StopListen() {
	if !e.listening.CompareAndSwap(true, false) {
		return
	}
	// Close leaves hijacked websocket connections alone.
	_ = e.server.Close()
}

func (e *Endpoint) Stop() {
	e.StopListen()
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, ch := range e.channels {
		ch.conn.Close()
		delete(e.channels, name)
	}
}

func (e *Endpoint) ResetCounters() {
	e.sent.Store(0)
	e.received.Store(0)
}

func (e *Endpoint) TotalBytesSent() uint64 {
	return e.sent.Load()
}

func (e *Endpoint) TotalBytesReceived() uint64 {
	return e.received.Load()
}
