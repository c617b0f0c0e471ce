// Package websocket streams the traffic of a uart.Channel to websocket
// clients.
//
// Each tapped chunk is sent to every client as a binary message whose first
// byte is the uart.Direction. Any message received from a client is queued
// for transmission as is.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/uartdma/pkg/uart"
)

// DefaultClientQueueLen is the number of frames buffered per client.
const DefaultClientQueueLen = 32

// Sender queues bytes for transmission.
type Sender interface {
	Send(p []byte)
}

// Hub implements uart.Tap and http.Handler.
type Hub struct {
	Sender         Sender
	ClientQueueLen int

	lock    sync.Mutex
	clients map[*client]struct{}
	dropped atomic.Uint64
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
}

// NewHub creates a Hub.
func NewHub(sender Sender) *Hub {
	return &Hub{
		Sender:         sender,
		ClientQueueLen: DefaultClientQueueLen,
		clients:        make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Dropped returns the number of frames dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Tapped implements uart.Tap. A client which can't keep up misses frames.
func (h *Hub) Tapped(dir uart.Direction, p []byte) {
	frame := make([]byte, 0, len(p)+1)
	frame = append(append(frame, byte(dir)), p...)
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		select {
		case c.out <- frame:
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{conn: conn, out: make(chan []byte, h.ClientQueueLen)}
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()
	glog.V(1).Infof("websocket client %s connected", conn.Request().RemoteAddr)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range c.out {
			if err := websocket.Message.Send(conn, frame); err != nil {
				glog.V(1).Infof("websocket send: %v", err)
				conn.Close()
				return
			}
		}
	}()

	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			break
		}
		if h.Sender != nil && len(msg) > 0 {
			h.Sender.Send(msg)
		}
	}

	h.lock.Lock()
	delete(h.clients, c)
	close(c.out)
	h.lock.Unlock()
	<-writeDone
	glog.V(1).Infof("websocket client %s disconnected", conn.Request().RemoteAddr)
}

// Server serves a Hub over HTTP.
type Server struct {
	Addr string
	Path string
	Hub  *Hub
}

// Run implements rtos.Task.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.Path, s.Hub)
	srv := &http.Server{Addr: s.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	glog.Infof("websocket listening on %s%s", s.Addr, s.Path)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	}
}
