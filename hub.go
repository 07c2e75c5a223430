package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/channel"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub keeps the payment channel connections and pushes payment results to the devices
// that asked for them.
type Hub struct {
	subscribers map[*subscriber]bool

	register   chan *subscriber
	unregister chan *subscriber
	publish    chan publication
	done       chan struct{}

	mu      sync.RWMutex
	devices map[string]int

	log *logrus.Entry
}

type publication struct {
	device string
	data   []byte
}

type subscriber struct {
	hub         *Hub
	id          string
	device      string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	log         *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		publish:     make(chan publication),
		done:        make(chan struct{}),
		devices:     make(map[string]int),
		log:         logrus.WithField("component", "hub"),
	}
}

// Run serves registrations and publications until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for s := range h.subscribers {
				h.remove(s)
			}
			h.log.Info("Hub shutting down")
			return nil

		case s := <-h.register:
			h.subscribers[s] = true
			h.mu.Lock()
			h.devices[s.device]++
			h.mu.Unlock()
			sandboxMetrics.connections.Set(float64(len(h.subscribers)))
			s.log.WithField("total", len(h.subscribers)).Debug("Device subscribed")

		case s := <-h.unregister:
			if _, ok := h.subscribers[s]; ok {
				h.remove(s)
				sandboxMetrics.connections.Set(float64(len(h.subscribers)))
				s.log.WithField("duration", time.Since(s.connectedAt)).Debug("Device unsubscribed")
			}

		case p := <-h.publish:
			delivered := 0
			for s := range h.subscribers {
				if s.device != p.device {
					continue
				}

				select {
				case s.send <- p.data:
					delivered++
				default:
					s.log.Warn("Send buffer full, dropping device")
					h.remove(s)
				}
			}
			h.log.WithFields(logrus.Fields{"device_id": p.device, "delivered": delivered}).Info("Payment result published")
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	delete(h.subscribers, s)
	close(s.send)

	h.mu.Lock()
	if h.devices[s.device]--; h.devices[s.device] <= 0 {
		delete(h.devices, s.device)
	}
	h.mu.Unlock()
}

// Subscribed reports whether device has an open payment channel.
func (h *Hub) Subscribed(device string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.devices[device] > 0
}

// Publish pushes msg to every connection of device. It returns false once the hub stopped.
func (h *Hub) Publish(device string, msg channel.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		h.log.WithError(err).Error("Couldn't encode payment message")
		return false
	}

	select {
	case h.publish <- publication{device: device, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// ServeWS upgrades a device's payment channel request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		ReturnError(w, http.StatusBadRequest, "device is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Couldn't upgrade payment channel")
		return
	}

	id := uuid.NewString()
	s := &subscriber{
		hub:         h,
		id:          id,
		device:      device,
		conn:        conn,
		send:        make(chan []byte, 16),
		connectedAt: time.Now(),
		log:         h.log.WithFields(logrus.Fields{"subscriber": id, "device_id": device}),
	}

	select {
	case h.register <- s:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { return s.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("Unexpected payment channel close")
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).Warn("Couldn't write payment message")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
