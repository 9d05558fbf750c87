package broker

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kiwoom-envelope/engine/internal/logger"
)

// tickMessage is the wire shape broadcast to attached development clients.
type tickMessage struct {
	Instrument string `json:"instrument"`
	Price      int64  `json:"price"`
	Volume     int64  `json:"volume"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedServer exposes the simulator's realtime ticks over a ws:// endpoint,
// mirroring how the teacher's coinbase websocket client drives its
// callback loop from inbound frames — here run in reverse, as a broadcast
// source a development client can attach to instead of the real wire
// protocol this engine has no access to.
type FeedServer struct {
	sim *Simulator
	log *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewFeedServer wraps sim so its ticks can be streamed to ws clients.
func NewFeedServer(sim *Simulator) *FeedServer {
	return &FeedServer{
		sim:     sim,
		log:     logger.Component("broker-feed"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a tick subscriber
// until it disconnects.
func (f *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	// Drain inbound frames (pings/close) until the client disconnects;
	// this connection is broadcast-only otherwise.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends a tick to every attached client. Intended to be called
// from a goroutine that drains Simulator.Events() for EventRealtimePrice.
func (f *FeedServer) Broadcast(inst InstrumentKey, price, volume int64) {
	msg, err := json.Marshal(tickMessage{
		Instrument: string(inst),
		Price:      price,
		Volume:     volume,
	})
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(f.clients, conn)
		}
	}
}

// ClientCount reports the number of currently attached ws clients, for tests.
func (f *FeedServer) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
