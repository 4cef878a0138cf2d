package visibility

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
)

// Scanner periodically reconciles each tracked session's pending set
// against its visibility window, evicting anything that's fallen outside
// it. It also exposes OnCursorMoved for the immediate, session-triggered
// path described by the core's scan cadence.
type Scanner struct {
	Broker       broker.Broker
	Queue        *queue.Queue
	Tracker      *Tracker
	Back         int
	Forward      int
	ScanInterval time.Duration
}

func New(br broker.Broker, q *queue.Queue, tracker *Tracker, back, forward int, scanInterval time.Duration) *Scanner {
	return &Scanner{Broker: br, Queue: q, Tracker: tracker, Back: back, Forward: forward, ScanInterval: scanInterval}
}

// Run loops on a fixed interval, reconciling every tracked session. This is
// the periodic path that catches sessions whose cursor_moved events were
// lost in transit.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sess := range s.Tracker.Snapshot() {
				if err := s.reconcile(ctx, sess.UserID, sess.DocumentID, sess.Cursor); err != nil {
					slog.Error("[Visibility] reconcile failed", "user_id", sess.UserID, "document_id", sess.DocumentID, "error", err)
				}
			}
		}
	}
}

// OnCursorMoved updates the tracker and immediately reconciles the moved
// session, giving "scrolled far away" near-instant eviction instead of
// waiting for the next tick.
func (s *Scanner) OnCursorMoved(ctx context.Context, userID, documentID string, cursor int) error {
	s.Tracker.SetCursor(userID, documentID, cursor)
	return s.reconcile(ctx, userID, documentID, cursor)
}

func (s *Scanner) reconcile(ctx context.Context, userID, documentID string, cursor int) error {
	pending, err := s.Broker.PendingList(ctx, userID, documentID)
	if err != nil {
		return err
	}

	low := cursor - s.Back
	high := cursor + s.Forward
	var outside []int
	for _, idx := range pending {
		if idx < low || idx > high {
			outside = append(outside, idx)
		}
	}
	if len(outside) == 0 {
		return nil
	}

	if err := s.Queue.Evict(ctx, userID, documentID, outside); err != nil {
		return err
	}

	msg := models.StatusMessage{Type: "evicted", DocumentID: documentID, BlockIndices: outside}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Broker.Publish(ctx, broker.Channel(userID, documentID), payload)
}
