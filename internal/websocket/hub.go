package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans refresh job updates out to the websocket clients watching them.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			log.WithField("job_id", client.JobID).Debug("WebSocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			log.WithField("job_id", client.JobID).Debug("WebSocket client unregistered")

		case msg := <-h.broadcast:
			// Send is only closed by unregister, after the reader loop is
			// done with it; a full buffer drops the update instead.
			h.mu.RLock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					log.WithField("job_id", msg.JobID).Warn("Dropping websocket update for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run.
func (h *Hub) Stop() {
	close(h.done)
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Subscribers returns how many clients watch jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastProgress sends a job's current progress to its subscribers.
func (h *Hub) BroadcastProgress(job *model.Job) {
	h.send(job.ID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       job.ID,
		Progress:    job.Progress,
		Status:      job.Status,
		CurrentStep: job.CurrentStep,
		Checkpoint:  job.Checkpoint,
	})
}

// BroadcastComplete sends the finished job to its subscribers.
func (h *Hub) BroadcastComplete(job *model.Job) {
	h.send(job.ID, model.WSCompleteMessage{
		Type:  model.WSMessageTypeComplete,
		JobID: job.ID,
		Job:   job,
	})
}

// BroadcastError sends an error message to all job subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.send(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) send(jobID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithField("job_id", jobID).Error("Failed to marshal websocket message")
		return
	}

	h.broadcast <- &BroadcastMessage{
		JobID:   jobID,
		Message: data,
	}
}

// HandleConnection serves one subscriber until it disconnects. initial, when
// non-nil, is written before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}
	if initial != nil {
		client.Send <- initial
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("job_id", jobID).Warn("WebSocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}
