package queue

import (
	"time"

	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
)

// ProgressMessage is one run delta as written to the progress topic.
type ProgressMessage struct {
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        RunState  `json:"run"`
	Leg        *LegState `json:"leg,omitempty"`
}

// RunState is the run summary carried on every progress message.
type RunState struct {
	ID             string     `json:"id"`
	ListID         string     `json:"list_id"`
	Status         string     `json:"status"`
	MaxLines       int        `json:"max_lines"`
	QueueRemaining int        `json:"queue_remaining"`
	ActiveLegs     int        `json:"active_legs"`
	WinningLegID   string     `json:"winning_leg_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	Stats          RunStats   `json:"stats"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RunStats mirrors domain.DialerRunStats on the wire.
type RunStats struct {
	TotalAttempted       int64 `json:"total_attempted"`
	TotalAnswered        int64 `json:"total_answered"`
	TotalNoAnswer        int64 `json:"total_no_answer"`
	TotalVoicemail       int64 `json:"total_voicemail"`
	TotalBusy            int64 `json:"total_busy"`
	TotalFailed          int64 `json:"total_failed"`
	TotalCanceled        int64 `json:"total_canceled"`
	TotalTalkTimeSeconds int64 `json:"total_talk_time_seconds"`
	AverageRingTimeMs    int64 `json:"average_ring_time_ms"`
}

// LegState is a leg snapshot on the wire.
type LegState struct {
	ID                  string     `json:"id"`
	RunID               string     `json:"run_id"`
	ContactID           string     `json:"contact_id"`
	ListEntryID         string     `json:"list_entry_id"`
	PhoneNumber         string     `json:"phone_number"`
	CallSessionID       string     `json:"call_session_id,omitempty"`
	Status              string     `json:"status"`
	Attempt             int        `json:"attempt"`
	FromLine            string     `json:"from_line,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	AnsweredAt          *time.Time `json:"answered_at,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	HangupCause         string     `json:"hangup_cause,omitempty"`
	AMDResult           string     `json:"amd_result,omitempty"`
	TalkDurationSeconds int64      `json:"talk_duration_seconds"`
}

// NewProgressMessage flattens a broadcaster delta for publication.
func NewProgressMessage(d dialer.Delta) ProgressMessage {
	msg := ProgressMessage{
		RunID:      d.RunID,
		Type:       string(d.Type),
		OccurredAt: d.At,
		Run:        NewRunState(d.Run),
	}
	if d.Leg != nil {
		leg := NewLegState(*d.Leg)
		msg.Leg = &leg
	}
	return msg
}

// NewRunState summarises a run snapshot.
func NewRunState(run domain.DialerRun) RunState {
	return RunState{
		ID:             run.ID,
		ListID:         run.ListID,
		Status:         string(run.Status),
		MaxLines:       run.MaxLines,
		QueueRemaining: len(run.Queue),
		ActiveLegs:     len(run.ActiveLegs),
		WinningLegID:   run.WinningLegID,
		AgentID:        run.Agent.ID,
		FailureReason:  run.FailureReason,
		Stats: RunStats{
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
		PausedAt:    run.PausedAt,
		CompletedAt: run.CompletedAt,
	}
}

// NewLegState converts a domain leg.
func NewLegState(leg domain.Leg) LegState {
	return LegState{
		ID:                  leg.ID,
		RunID:               leg.RunID,
		ContactID:           leg.ContactID,
		ListEntryID:         leg.ListEntryID,
		PhoneNumber:         leg.PhoneNumber,
		CallSessionID:       leg.CallSessionID,
		Status:              string(leg.Status),
		Attempt:             leg.Attempt,
		FromLine:            leg.FromLine,
		StartedAt:           leg.StartedAt,
		AnsweredAt:          leg.AnsweredAt,
		EndedAt:             leg.EndedAt,
		HangupCause:         leg.HangupCause,
		AMDResult:           string(leg.AMDResult),
		TalkDurationSeconds: leg.TalkDurationSeconds,
	}
}

// ToDomain converts the wire leg back to a domain leg.
func (l LegState) ToDomain() domain.Leg {
	return domain.Leg{
		ID:                  l.ID,
		RunID:               l.RunID,
		ContactID:           l.ContactID,
		ListEntryID:         l.ListEntryID,
		PhoneNumber:         l.PhoneNumber,
		CallSessionID:       l.CallSessionID,
		Direction:           domain.LegDirectionOutbound,
		Status:              domain.LegStatus(l.Status),
		Attempt:             l.Attempt,
		FromLine:            l.FromLine,
		StartedAt:           l.StartedAt,
		AnsweredAt:          l.AnsweredAt,
		EndedAt:             l.EndedAt,
		HangupCause:         l.HangupCause,
		AMDResult:           domain.AMDResult(l.AMDResult),
		TalkDurationSeconds: l.TalkDurationSeconds,
	}
}

// Terminal reports whether the message closes out its run.
func (m ProgressMessage) Terminal() bool {
	return m.Type == string(dialer.DeltaRunStatus) && domain.RunStatus(m.Run.Status).Terminal()
}
