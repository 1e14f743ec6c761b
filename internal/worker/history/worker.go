package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/app"
	"github.com/acme/power-dialer/internal/archive"
	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/queue"
	"github.com/acme/power-dialer/internal/repository"
	"github.com/acme/power-dialer/internal/telemetry"
	"github.com/acme/power-dialer/pkg/logger"
)

const legPageSize = 500

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Archiver stores the final report of a run.
type Archiver interface {
	Archive(ctx context.Context, report archive.RunReport) (string, error)
}

// Worker consumes run progress and writes the durable history: run summaries
// and status changes to Postgres, completed legs to Scylla, entry outcomes
// back to the contact list, and a final report to object storage.
type Worker struct {
	reader   messageReader
	runs     repository.RunRepository
	entries  repository.ListEntryRepository
	legs     repository.LegStore
	archiver Archiver
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a history worker from the container.
func New(container *app.Container) *Worker {
	cfg := container.Config
	repos := container.Repositories()
	groupID := cfg.Kafka.ConsumerGroupID + "-history"
	w := &Worker{
		reader:  container.Kafka.NewReader(cfg.Kafka.ProgressTopic, groupID),
		runs:    repos.Runs,
		entries: repos.ListEntries,
		legs:    repos.Legs,
		logger:  container.Logger,
		now:     time.Now,
	}
	if a := container.Archiver(); a != nil {
		w.archiver = a
	}
	return w
}

// Run processes progress messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("history worker: fetch", zap.Error(err))
			continue
		}

		var progress queue.ProgressMessage
		if err := json.Unmarshal(msg.Value, &progress); err != nil {
			w.logger.Error("history worker: unmarshal", zap.Error(err))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		w.process(ctx, progress)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("history worker: commit", zap.Error(err))
		}
	}
}

// process applies one message. Failures are logged and counted; the message
// is still committed so one bad row never stalls the partition.
func (w *Worker) process(ctx context.Context, msg queue.ProgressMessage) {
	tracer := otel.Tracer("dialer.historyworker")
	ctx, span := tracer.Start(ctx, "run.progress", trace.WithAttributes(
		attribute.String("run.id", msg.RunID),
		attribute.String("delta.type", msg.Type),
	))
	defer span.End()

	lg := w.logger.WithRun(msg.RunID)

	if msg.Type == string(dialer.DeltaLegCompleted) && msg.Leg != nil {
		leg := msg.Leg.ToDomain()
		w.record("leg", w.legs.SaveLeg(ctx, leg), span, lg)
		if leg.ListEntryID != "" {
			err := w.entries.RecordOutcome(ctx, leg.ListEntryID, leg.Status, attemptedAt(leg, msg.OccurredAt))
			if errors.Is(err, repository.ErrNotFound) {
				// inline targets have no stored entry
				err = nil
			}
			w.record("entry", err, span, lg)
		}
	}

	if tracksRun(msg.Type) {
		w.record("run", w.runs.Upsert(ctx, runRecord(msg)), span, lg)
	}

	if msg.Terminal() && w.archiver != nil {
		location, err := w.archiver.Archive(ctx, w.report(ctx, msg))
		w.record("archive", err, span, lg)
		if err == nil {
			lg.Info("run report archived", zap.String("location", location))
		}
	}
}

func (w *Worker) record(target string, err error, span trace.Span, lg *logger.Logger) {
	if err != nil {
		span.RecordError(err)
		lg.Error("history worker: write failed", zap.String("target", target), zap.Error(err))
		telemetry.HistoryPersistence.WithLabelValues(target, "error").Inc()
		return
	}
	telemetry.HistoryPersistence.WithLabelValues(target, "ok").Inc()
}

// report gathers the completed legs and status history for the archive. A
// read failure leaves that section empty rather than dropping the report.
func (w *Worker) report(ctx context.Context, msg queue.ProgressMessage) archive.RunReport {
	report := archive.RunReport{Run: msg.Run, GeneratedAt: w.now().UTC()}

	var page []byte
	for {
		legs, next, err := w.legs.ListLegsByRun(ctx, msg.RunID, legPageSize, page)
		if err != nil {
			w.logger.WithRun(msg.RunID).Warn("history worker: list legs for report", zap.Error(err))
			break
		}
		for _, leg := range legs {
			report.Legs = append(report.Legs, queue.NewLegState(leg))
		}
		if len(next) == 0 {
			break
		}
		page = next
	}

	changes, err := w.runs.StatusHistory(ctx, msg.RunID)
	if err != nil {
		w.logger.WithRun(msg.RunID).Warn("history worker: status history for report", zap.Error(err))
		return report
	}
	for _, c := range changes {
		report.History = append(report.History, archive.StatusEntry{Status: string(c.Status), ChangedAt: c.ChangedAt})
	}
	return report
}

// tracksRun reports whether a delta changes the persisted run summary.
func tracksRun(deltaType string) bool {
	switch dialer.DeltaType(deltaType) {
	case dialer.DeltaRunCreated, dialer.DeltaRunStatus, dialer.DeltaLegCompleted,
		dialer.DeltaLegBridged, dialer.DeltaAgentUpdated:
		return true
	}
	return false
}

func runRecord(msg queue.ProgressMessage) repository.RunRecord {
	run := msg.Run
	return repository.RunRecord{
		ID:            run.ID,
		ListID:        run.ListID,
		Status:        domain.RunStatus(run.Status),
		MaxLines:      run.MaxLines,
		AgentID:       run.AgentID,
		WinningLegID:  run.WinningLegID,
		FailureReason: run.FailureReason,
		Stats: domain.DialerRunStats{
			TotalAttempted:       run.Stats.TotalAttempted,
			TotalAnswered:        run.Stats.TotalAnswered,
			TotalNoAnswer:        run.Stats.TotalNoAnswer,
			TotalVoicemail:       run.Stats.TotalVoicemail,
			TotalBusy:            run.Stats.TotalBusy,
			TotalFailed:          run.Stats.TotalFailed,
			TotalCanceled:        run.Stats.TotalCanceled,
			TotalTalkTimeSeconds: run.Stats.TotalTalkTimeSeconds,
			AverageRingTimeMs:    run.Stats.AverageRingTimeMs,
		},
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		UpdatedAt:   msg.OccurredAt,
	}
}

func attemptedAt(leg domain.Leg, fallback time.Time) time.Time {
	if !leg.StartedAt.IsZero() {
		return leg.StartedAt
	}
	return fallback
}
