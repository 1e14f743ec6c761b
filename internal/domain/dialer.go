package domain

import "time"

// RunStatus enumerates lifecycle states of a dialer run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further run-level transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusStopped, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// LegStatus enumerates lifecycle stages of a single outbound call leg.
type LegStatus string

const (
	LegStatusQueued              LegStatus = "queued"
	LegStatusDialing             LegStatus = "dialing"
	LegStatusRinging             LegStatus = "ringing"
	LegStatusAnswered            LegStatus = "answered"
	LegStatusAMDPending          LegStatus = "amd_pending"
	LegStatusBridged             LegStatus = "bridged"
	LegStatusCanceledFirstAnswer LegStatus = "canceled_first_answer"
	LegStatusNoAnswer            LegStatus = "no_answer"
	LegStatusBusy                LegStatus = "busy"
	LegStatusVoicemail           LegStatus = "voicemail"
	LegStatusFailed              LegStatus = "failed"
	LegStatusCompleted           LegStatus = "completed"
)

// InFlight reports whether the leg still occupies a dialing line.
func (s LegStatus) InFlight() bool {
	switch s {
	case LegStatusQueued, LegStatusDialing, LegStatusRinging:
		return true
	}
	return false
}

// Connected reports whether a person or machine picked up the leg.
func (s LegStatus) Connected() bool {
	switch s {
	case LegStatusAnswered, LegStatusAMDPending, LegStatusBridged:
		return true
	}
	return false
}

// Terminal reports whether the leg belongs in the completed list.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegStatusCanceledFirstAnswer, LegStatusNoAnswer, LegStatusBusy,
		LegStatusVoicemail, LegStatusFailed, LegStatusCompleted:
		return true
	}
	return false
}

// Rank orders non-terminal statuses so late events never move a leg backwards.
func (s LegStatus) Rank() int {
	switch s {
	case LegStatusQueued:
		return 0
	case LegStatusDialing:
		return 1
	case LegStatusRinging:
		return 2
	case LegStatusAnswered, LegStatusAMDPending:
		return 3
	case LegStatusBridged:
		return 4
	}
	return 5
}

// AMDResult is the canonical answering machine detection verdict.
type AMDResult string

const (
	AMDNone    AMDResult = ""
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDFax     AMDResult = "fax"
	AMDUnknown AMDResult = "unknown"
)

// LegDirection is always outbound for dialer legs.
type LegDirection string

const LegDirectionOutbound LegDirection = "outbound"

// QueueEntry is a target waiting to be dialed.
type QueueEntry struct {
	ContactID    string
	ListEntryID  string
	PhoneNumber  string
	AttemptCount int
}

// Leg is one outbound call attempt. Active and completed legs share the shape.
type Leg struct {
	ID                  string
	RunID               string
	ContactID           string
	ListEntryID         string
	PhoneNumber         string
	CallSessionID       string
	Direction           LegDirection
	Status              LegStatus
	Attempt             int
	FromLine            string
	StartedAt           time.Time
	AnsweredAt          *time.Time
	EndedAt             *time.Time
	HangupCause         string
	AMDResult           AMDResult
	TalkDurationSeconds int64
}

// DialerRunStats aggregates leg outcomes for a run.
type DialerRunStats struct {
	TotalAttempted       int64
	TotalAnswered        int64
	TotalNoAnswer        int64
	TotalVoicemail       int64
	TotalBusy            int64
	TotalFailed          int64
	TotalCanceled        int64
	TotalTalkTimeSeconds int64
	AverageRingTimeMs    int64

	RingTimeTotalMs int64
	RingTimeSamples int64
}

// Outcomes sums every terminal bucket; equals TotalAttempted once a run completes.
func (s DialerRunStats) Outcomes() int64 {
	return s.TotalAnswered + s.TotalNoAnswer + s.TotalVoicemail + s.TotalBusy + s.TotalFailed + s.TotalCanceled
}

// AgentLeg tracks the agent side of a run.
type AgentLeg struct {
	ID            string
	CallSessionID string
	Connected     bool
}

// DialerRun is one power-dialing session over a contact list.
type DialerRun struct {
	ID            string
	ListID        string
	Status        RunStatus
	MaxLines      int
	Queue         []QueueEntry
	ActiveLegs    map[string]*Leg
	CompletedLegs []Leg
	Stats         DialerRunStats
	WinningLegID  string
	Agent         AgentLeg
	ConferenceID  string
	FailureReason string
	CreatedAt     time.Time
	StartedAt     *time.Time
	PausedAt      *time.Time
	CompletedAt   *time.Time

	LineCursor               int
	OriginationFailureStreak int
}

// InFlight counts active legs still occupying a line.
func (r *DialerRun) InFlight() int {
	n := 0
	for _, leg := range r.ActiveLegs {
		if leg.Status.InFlight() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand outside the run lock.
func (r *DialerRun) Clone() DialerRun {
	out := *r
	out.Queue = append([]QueueEntry(nil), r.Queue...)
	out.CompletedLegs = append([]Leg(nil), r.CompletedLegs...)
	out.ActiveLegs = make(map[string]*Leg, len(r.ActiveLegs))
	for id, leg := range r.ActiveLegs {
		cp := *leg
		out.ActiveLegs[id] = &cp
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.PausedAt = cloneTime(r.PausedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
