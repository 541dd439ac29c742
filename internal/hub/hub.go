// Package hub fans job events out to the live notification streams a user
// has open on this process.
package hub

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"points-service/internal/metrics"
)

// Event types pushed to clients.
const (
	EventConnected      = "connected"
	EventVideoCompleted = "video_completed"
	EventVideoFailed    = "video_failed"
)

var (
	ErrStreamClosed = errors.New("hub: stream closed")
	ErrStreamFull   = errors.New("hub: stream buffer full")
)

// Event is one server-to-client notification.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	ResultURL      string    `json:"result_url,omitempty"`
	PointsDeducted int64     `json:"points_deducted,omitempty"`
	NewBalance     *int64    `json:"new_balance,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stream is one open live connection. Events are buffered and written by
// the goroutine serving the connection, so order within a stream matches
// push order.
type Stream struct {
	ID     string
	UserID string

	events    chan Event
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newStream(userID string, buffer int) *Stream {
	return &Stream{
		ID:     uuid.NewString(),
		UserID: userID,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	select {
	case s.events <- ev:
		return nil
	default:
		return ErrStreamFull
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Events delivers queued events in push order.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Done is closed when the stream has been unregistered or the hub closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Hub maps a user id to the streams currently open for that user. The
// per-user slice is replaced on every change and never mutated in place,
// so Push iterates a stable snapshot without holding a lock.
type Hub struct {
	streams *xsync.Map[string, []*Stream]
	buffer  int
	log     *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(buffer int, log *logrus.Logger, m *metrics.Metrics) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		streams: xsync.NewMap[string, []*Stream](),
		buffer:  buffer,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Register opens a stream for userID and queues the connected acknowledgement.
func (h *Hub) Register(userID string) *Stream {
	s := newStream(userID, h.buffer)
	_ = s.send(Event{Type: EventConnected, UserID: userID, Message: "live notifications connected", Timestamp: h.now()})

	h.streams.Compute(userID, func(old []*Stream, _ bool) ([]*Stream, xsync.ComputeOp) {
		next := make([]*Stream, 0, len(old)+1)
		next = append(next, old...)
		return append(next, s), xsync.UpdateOp
	})
	h.metrics.StreamOpened()

	h.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"stream_id": s.ID,
	}).Debug("live stream registered")
	return s
}

// Unregister removes exactly s. The user entry disappears with its last stream.
func (h *Hub) Unregister(userID string, s *Stream) {
	removed := false
	h.streams.Compute(userID, func(old []*Stream, loaded bool) ([]*Stream, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		idx := slices.Index(old, s)
		if idx < 0 {
			return old, xsync.CancelOp
		}
		removed = true
		if len(old) == 1 {
			return nil, xsync.DeleteOp
		}
		return slices.Delete(slices.Clone(old), idx, idx+1), xsync.UpdateOp
	})

	s.close()
	if removed {
		h.metrics.StreamClosed()
		h.log.WithFields(logrus.Fields{
			"user_id":   userID,
			"stream_id": s.ID,
		}).Debug("live stream unregistered")
	}
}

// Push writes ev to every stream userID has open at call time and returns
// how many accepted it. Failures are logged and never stop delivery to the
// remaining streams.
func (h *Hub) Push(userID string, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	if ev.UserID == "" {
		ev.UserID = userID
	}

	snapshot, ok := h.streams.Load(userID)
	if !ok {
		h.log.WithFields(logrus.Fields{
			"user_id": userID,
			"type":    ev.Type,
		}).Debug("no live streams for user")
		return 0
	}

	delivered := 0
	for _, s := range snapshot {
		if err := s.send(ev); err != nil {
			h.metrics.RecordPushFailure()
			h.log.WithError(err).WithFields(logrus.Fields{
				"user_id":   userID,
				"stream_id": s.ID,
				"type":      ev.Type,
			}).Warn("failed to push event to stream")
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of streams userID has open.
func (h *Hub) Count(userID string) int {
	snapshot, _ := h.streams.Load(userID)
	return len(snapshot)
}

// Users returns the number of users with at least one open stream.
func (h *Hub) Users() int {
	return h.streams.Size()
}

// Close ends every stream, which makes their serving goroutines return.
func (h *Hub) Close() {
	h.streams.Range(func(userID string, snapshot []*Stream) bool {
		for _, s := range snapshot {
			h.Unregister(userID, s)
		}
		return true
	})
}
