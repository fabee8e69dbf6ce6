package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/transport-broker/internal/models"
)

// JobUpdate is what a connected driver app receives when one of its
// orders changes. Pricing fields never travel on this channel.
type JobUpdate struct {
	OrderID        int64         `json:"order_id"`
	Status         models.Status `json:"status"`
	PickupAddress  string        `json:"pickup_address,omitempty"`
	DropoffAddress string        `json:"dropoff_address,omitempty"`
	DriverReward   float64       `json:"driver_reward,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// Notifier pushes job updates to drivers. A driver with no live session
// is not an error worth failing an order transition over.
type Notifier interface {
	NotifyDriver(driverID int64, update JobUpdate) error
}

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(update)
}

// WSRegistry holds the live driver sessions, one per driver id. A new
// connection for the same driver replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[int64]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) NotifyDriver(driverID int64, update JobUpdate) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(update); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "err", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
