package logstream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Wildcard subscribes an observer to every deployment's lines.
const Wildcard = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Line is the wire form of one broadcast log line.
type Line struct {
	DeploymentID string    `json:"id"`
	Text         string    `json:"text"`
	Ts           time.Time `json:"ts"`
}

// envelope couples an encoded line with its deployment id.
type envelope struct {
	deploymentID string
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	deploymentID string
	client       Subscriber
}

// queue decouples one subscriber from the publisher. The hub loop pushes
// without blocking and a writer goroutine drains to the connection; a
// full queue drops the line.
type queue struct {
	lines    chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newQueue(size int) *queue {
	if size < 1 {
		size = 1
	}
	return &queue{lines: make(chan []byte, size), done: make(chan struct{})}
}

func (q *queue) push(payload []byte) bool {
	select {
	case q.lines <- payload:
		return true
	default:
		return false
	}
}

func (q *queue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

// Hub fans deployment log lines out to subscribers. Lines for a given
// deployment reach each subscriber in publish order; a slow or dead
// subscriber only ever loses its own lines.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	register  chan subscription
	unreg     chan subscription
	broadcast chan envelope

	// owned by run
	clients map[string]map[Subscriber]*queue

	published atomic.Uint64
	dropped   atomic.Uint64

	metrics *hubMetrics
}

// NewHub creates a running Hub. queueSize bounds the per-subscriber
// backlog before lines are dropped.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	h := &Hub{
		logger:    logger,
		queueSize: queueSize,
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan envelope),
		clients:   make(map[string]map[Subscriber]*queue),
		metrics:   newHubMetrics(),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]*queue)
			}
			q := newQueue(h.queueSize)
			h.clients[sub.deploymentID][sub.client] = q
			h.metrics.subscriberAdded()
			go h.writeLoop(sub, q)
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				if q, ok := clients[sub.client]; ok {
					q.stop()
					delete(clients, sub.client)
					h.metrics.subscriberRemoved()
				}
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(h.clients[msg.deploymentID], msg.payload)
			h.deliver(h.clients[Wildcard], msg.payload)
		}
	}
}

// deliver pushes payload onto each subscriber queue without blocking.
func (h *Hub) deliver(clients map[Subscriber]*queue, payload []byte) {
	for _, q := range clients {
		if !q.push(payload) {
			h.dropped.Add(1)
			h.metrics.lineDropped()
		}
	}
}

// writeLoop drains one subscriber queue onto its connection. A failed
// send evicts the subscriber.
func (h *Hub) writeLoop(sub subscription, q *queue) {
	defer sub.client.Close()
	for {
		select {
		case payload := <-q.lines:
			if err := sub.client.Send(payload); err != nil {
				h.unreg <- sub
				return
			}
		case <-q.done:
			return
		}
	}
}

// Register adds a client to a deployment's stream. Use Wildcard to
// observe every deployment.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.register <- subscription{deploymentID: deploymentID, client: client}
}

// Unregister removes a client. Safe to call for a client the hub has
// already evicted.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.unreg <- subscription{deploymentID: deploymentID, client: client}
}

// Publish broadcasts one log line to the deployment's subscribers and
// every wildcard subscriber. It never waits on subscriber connections.
func (h *Hub) Publish(deploymentID, text string) {
	line := Line{DeploymentID: deploymentID, Text: text, Ts: time.Now().UTC()}
	payload, err := json.Marshal(line)
	if err != nil {
		h.logger.Error("failed to encode log line", "deployment_id", deploymentID, "error", err)
		return
	}
	h.published.Add(1)
	h.metrics.linePublished()
	h.broadcast <- envelope{deploymentID: deploymentID, payload: payload}
}

// Stats reports how many lines were published and dropped since start.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}
