// Package ws serves display widgets over websocket. Every connection is one
// display sink of the environment engine.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ecocity.ai/internal/protocol"
	"ecocity.ai/internal/sim/environment"
)

// Hub is the part of the environment host the transport needs.
type Hub interface {
	Subscribe(s environment.DisplaySink)
	Unsubscribe(s environment.DisplaySink)
	SinkMessage(ctx context.Context, s environment.DisplaySink, raw []byte) (bool, error)
}

type Server struct {
	hub Hub
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	active   atomic.Int64
	dropped  atomic.Uint64
}

func NewServer(hub Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Active is the number of open widget connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Dropped counts pushes discarded because a widget fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// widget is a display sink backed by a bounded outbound queue; when the queue
// is full the oldest frame is replaced.
type widget struct {
	id  string
	out chan []byte
	srv *Server
}

func (w *widget) Push(d protocol.MetricsData) {
	b, err := protocol.EncodeUpdateMetrics(d)
	if err != nil {
		return
	}
	if !sendLatest(w.out, b) {
		w.srv.dropped.Add(1)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		w := &widget{
			id:  fmt.Sprintf("W%d", s.nextID.Add(1)),
			out: make(chan []byte, 8),
			srv: s,
		}
		s.active.Add(1)
		defer s.active.Add(-1)

		s.hub.Subscribe(w)
		s.log.Printf("widget %s connected from %s", w.id, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-w.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		closedByWidget := false
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			removed, err := s.hub.SinkMessage(ctx, w, msg)
			if err != nil {
				break
			}
			if removed {
				closedByWidget = true
				break
			}
		}

		if !closedByWidget {
			s.hub.Unsubscribe(w)
		}
		cancel()
		<-writeDone
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		s.log.Printf("widget %s disconnected", w.id)
	}
}

// sendLatest enqueues b, evicting the oldest queued frame when full. It
// reports false when a frame had to be dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}
