package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestProgressPublisherKeysByRun(t *testing.T) {
	w := &captureWriter{}
	p := &ProgressPublisher{writer: w}
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	answered := at.Add(-time.Minute)

	delta := dialer.Delta{
		RunID: "run-1",
		Type:  dialer.DeltaLegCompleted,
		At:    at,
		Run: domain.DialerRun{
			ID:     "run-1",
			ListID: "list-1",
			Status: domain.RunStatusRunning,
			Queue:  []domain.QueueEntry{{ListEntryID: "e2"}},
			Stats:  domain.DialerRunStats{TotalAttempted: 1, TotalAnswered: 1, TotalTalkTimeSeconds: 60},
		},
		Leg: &domain.Leg{
			ID: "leg-1", RunID: "run-1", ListEntryID: "e1", Status: domain.LegStatusCompleted,
			AnsweredAt: &answered, TalkDurationSeconds: 60,
		},
	}
	if err := p.PublishDelta(context.Background(), delta); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "run-1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	var msg ProgressMessage
	if err := json.Unmarshal(w.msgs[0].Value, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "leg.completed" || msg.Run.QueueRemaining != 1 || msg.Run.Stats.TotalTalkTimeSeconds != 60 {
		t.Fatalf("unexpected message %+v", msg)
	}
	leg := msg.Leg.ToDomain()
	if leg.Status != domain.LegStatusCompleted || leg.AnsweredAt == nil || !leg.AnsweredAt.Equal(answered) {
		t.Fatalf("leg did not survive the wire: %+v", leg)
	}
	if msg.Terminal() {
		t.Fatalf("leg delta is not terminal")
	}
}

func TestProgressMessageTerminal(t *testing.T) {
	msg := NewProgressMessage(dialer.Delta{
		RunID: "run-1",
		Type:  dialer.DeltaRunStatus,
		Run:   domain.DialerRun{ID: "run-1", Status: domain.RunStatusStopped},
	})
	if !msg.Terminal() {
		t.Fatalf("stopped run status delta should be terminal")
	}
}
