package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/model"
)

const (
	sendBuffer   = 16
	pingInterval = 30 * time.Second
)

// Subscriber watches the stage updates of one job.
type Subscriber struct {
	JobID string
	Send  chan []byte

	pong chan struct{}
}

func newSubscriber(jobID string) *Subscriber {
	return &Subscriber{
		JobID: jobID,
		Send:  make(chan []byte, sendBuffer),
		pong:  make(chan struct{}, 1),
	}
}

type update struct {
	jobID    string
	payload  []byte
	terminal bool
}

type countQuery struct {
	jobID string
	reply chan int
}

// Hub fans job stage updates out to subscribers. All state is owned by the
// Run goroutine; a subscriber that joins mid-job first receives the latest
// update of that job.
type Hub struct {
	subscribers map[string]map[*Subscriber]struct{}
	latest      map[string][]byte

	register   chan *Subscriber
	unregister chan *Subscriber
	updates    chan update
	counts     chan countQuery
	done       chan struct{}

	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]struct{}),
		latest:      make(map[string][]byte),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		updates:     make(chan update, 256),
		counts:      make(chan countQuery),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Run owns the subscriber table until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			set := h.subscribers[s.JobID]
			if set == nil {
				set = make(map[*Subscriber]struct{})
				h.subscribers[s.JobID] = set
			}
			set[s] = struct{}{}
			if last, ok := h.latest[s.JobID]; ok {
				h.deliver(s, last)
			}
			h.log.WithField("job_id", s.JobID).Debug("Subscriber joined")

		case s := <-h.unregister:
			h.drop(s)

		case u := <-h.updates:
			if u.terminal {
				delete(h.latest, u.jobID)
			} else {
				h.latest[u.jobID] = u.payload
			}
			for s := range h.subscribers[u.jobID] {
				h.deliver(s, u.payload)
			}

		case q := <-h.counts:
			q.reply <- len(h.subscribers[q.jobID])
		}
	}
}

// deliver drops a subscriber whose buffer is full.
func (h *Hub) deliver(s *Subscriber, payload []byte) {
	select {
	case s.Send <- payload:
	default:
		h.log.WithField("job_id", s.JobID).Debug("Subscriber too slow, dropping")
		h.drop(s)
	}
}

func (h *Hub) drop(s *Subscriber) {
	set, ok := h.subscribers[s.JobID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.Send)
	if len(set) == 0 {
		delete(h.subscribers, s.JobID)
	}
}

// Subscribers returns the number of subscribers watching a job, or 0 once
// the hub has stopped.
func (h *Hub) Subscribers(jobID string) int {
	q := countQuery{jobID: jobID, reply: make(chan int, 1)}
	select {
	case h.counts <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) Register(s *Subscriber) {
	select {
	case h.register <- s:
	case <-h.done:
	}
}

func (h *Hub) Unregister(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// BroadcastProgress publishes a stage change.
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, stage model.Stage) {
	h.publish(jobID, false, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Progress: progress,
		Status:   status,
		Stage:    stage,
	})
}

// BroadcastComplete publishes the final result of a job.
func (h *Hub) BroadcastComplete(jobID string, result interface{}) {
	h.publish(jobID, true, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError publishes a job failure.
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.publish(jobID, true, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
}

// publish never blocks the job pipeline. Updates are dropped when the hub
// lags behind.
func (h *Hub) publish(jobID string, terminal bool, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal websocket message")
		return
	}

	select {
	case h.updates <- update{jobID: jobID, payload: payload, terminal: terminal}:
	default:
		h.log.WithField("job_id", jobID).Warn("Update buffer full, dropping")
	}
}

// HandleConnection serves one websocket subscribed to jobID until the peer
// goes away.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	s := newSubscriber(jobID)
	h.Register(s)
	defer h.Unregister(s)

	go writePump(c, s)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("job_id", jobID).Warn("WebSocket read failed")
			}
			return
		}

		var msg model.WSMessage
		if json.Unmarshal(raw, &msg) != nil || msg.Type != model.WSMessageTypePing {
			continue
		}
		// only the write pump writes to the connection
		select {
		case s.pong <- struct{}{}:
		default:
		}
	}
}

func writePump(c *websocket.Conn, s *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})

	for {
		select {
		case payload, ok := <-s.Send:
			if !ok {
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.pong:
			if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
