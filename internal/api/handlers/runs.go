package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/repository"
	"github.com/acme/power-dialer/internal/service/common"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

// maxListLoad caps how many pending entries a run pulls from a stored list.
const maxListLoad = 10000

type startRunRequest struct {
	ListID         string          `json:"list_id"`
	MaxLines       int             `json:"max_lines"`
	AgentID        string          `json:"agent_id"`
	AgentSessionID string          `json:"agent_session_id"`
	Targets        []targetRequest `json:"targets"`
}

type targetRequest struct {
	ContactID   string `json:"contact_id"`
	ListEntryID string `json:"list_entry_id"`
	PhoneNumber string `json:"phone_number"`
}

type attachAgentRequest struct {
	AgentID       string `json:"agent_id"`
	CallSessionID string `json:"call_session_id"`
}

type runResponse struct {
	ID             string        `json:"id"`
	ListID         string        `json:"list_id"`
	Status         string        `json:"status"`
	MaxLines       int           `json:"max_lines"`
	QueueRemaining int           `json:"queue_remaining"`
	InFlight       int           `json:"in_flight"`
	WinningLegID   string        `json:"winning_leg_id,omitempty"`
	Agent          agentResponse `json:"agent"`
	ConferenceID   string        `json:"conference_id,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Stats          statsResponse `json:"stats"`
	ActiveLegs     []legResponse `json:"active_legs"`
	CompletedLegs  []legResponse `json:"completed_legs"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	PausedAt       *time.Time    `json:"paused_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

type agentResponse struct {
	ID            string `json:"id,omitempty"`
	CallSessionID string `json:"call_session_id,omitempty"`
	Connected     bool   `json:"connected"`
}

type statsResponse struct {
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

type legResponse struct {
	ID                  string     `json:"id"`
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

type listRunsResponse struct {
	Runs []runResponse `json:"runs"`
}

type listLegsResponse struct {
	Legs     []legResponse `json:"legs"`
	NextPage string        `json:"next_page_token,omitempty"`
}

type statusChangeResponse struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

func (h *HandlerSet) startRun(ctx *fiber.Ctx) error {
	var req startRunRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := dialer.StartRunInput{
		ListID:         req.ListID,
		MaxLines:       req.MaxLines,
		AgentID:        req.AgentID,
		AgentSessionID: req.AgentSessionID,
	}
	if len(req.Targets) > 0 {
		input.Targets = make([]domain.QueueEntry, 0, len(req.Targets))
		for _, t := range req.Targets {
			input.Targets = append(input.Targets, domain.QueueEntry{
				ContactID:   t.ContactID,
				ListEntryID: t.ListEntryID,
				PhoneNumber: t.PhoneNumber,
			})
		}
	} else {
		if h.deps.ListEntries == nil {
			return fiber.NewError(http.StatusBadRequest, "targets are required")
		}
		if req.ListID == "" {
			return fiber.NewError(http.StatusBadRequest, "list_id is required")
		}
		pending, err := h.deps.ListEntries.Pending(ctx.Context(), req.ListID, maxListLoad)
		if err != nil {
			return translateError(err)
		}
		input.Targets = pending
	}

	run, err := h.deps.Dialer.StartRun(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toRunResponse(run))
}

func (h *HandlerSet) listRuns(ctx *fiber.Ctx) error {
	resp := listRunsResponse{Runs: []runResponse{}}
	if ctx.Query("source") == "history" {
		if h.deps.Runs == nil {
			return errNoHistory
		}
		limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
		records, err := h.deps.Runs.List(ctx.Context(), limit)
		if err != nil {
			return translateError(err)
		}
		for _, rec := range records {
			resp.Runs = append(resp.Runs, recordResponse(rec))
		}
		return ctx.Status(http.StatusOK).JSON(resp)
	}

	for _, run := range h.deps.Dialer.ListRuns(ctx.Context()) {
		resp.Runs = append(resp.Runs, toRunResponse(run))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

// getRun serves live state, falling back to the stored summary once a run
// has been evicted from memory.
func (h *HandlerSet) getRun(ctx *fiber.Ctx) error {
	id := ctx.Params("id")
	run, err := h.deps.Dialer.GetRunState(ctx.Context(), id)
	if err == nil {
		return ctx.Status(http.StatusOK).JSON(toRunResponse(run))
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) || h.deps.Runs == nil {
		return translateError(err)
	}
	rec, err := h.deps.Runs.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(recordResponse(*rec))
}

func (h *HandlerSet) pauseRun(ctx *fiber.Ctx) error {
	run, err := h.deps.Dialer.PauseRun(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRunResponse(run))
}

func (h *HandlerSet) resumeRun(ctx *fiber.Ctx) error {
	run, err := h.deps.Dialer.ResumeRun(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRunResponse(run))
}

func (h *HandlerSet) stopRun(ctx *fiber.Ctx) error {
	run, err := h.deps.Dialer.StopRun(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRunResponse(run))
}

func (h *HandlerSet) attachAgent(ctx *fiber.Ctx) error {
	var req attachAgentRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	run, err := h.deps.Dialer.AttachAgent(ctx.Context(), ctx.Params("id"), req.AgentID, req.CallSessionID)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRunResponse(run))
}

func (h *HandlerSet) listRunLegs(ctx *fiber.Ctx) error {
	if h.deps.Legs == nil {
		return errNoHistory
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	var paging []byte
	if token := ctx.Query("page_token"); token != "" {
		raw, err := common.DecodeBase64(token)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page token")
		}
		paging = raw
	}

	legs, next, err := h.deps.Legs.ListLegsByRun(ctx.Context(), ctx.Params("id"), limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listLegsResponse{Legs: make([]legResponse, 0, len(legs))}
	for _, leg := range legs {
		resp.Legs = append(resp.Legs, toLegResponse(leg))
	}
	if len(next) > 0 {
		resp.NextPage = common.EncodeBase64(next)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) runHistory(ctx *fiber.Ctx) error {
	if h.deps.Runs == nil {
		return errNoHistory
	}
	changes, err := h.deps.Runs.StatusHistory(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	resp := make([]statusChangeResponse, 0, len(changes))
	for _, c := range changes {
		resp = append(resp, statusChangeResponse{Status: string(c.Status), ChangedAt: c.ChangedAt})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"history": resp})
}

func toRunResponse(run domain.DialerRun) runResponse {
	resp := runResponse{
		ID:             run.ID,
		ListID:         run.ListID,
		Status:         string(run.Status),
		MaxLines:       run.MaxLines,
		QueueRemaining: len(run.Queue),
		InFlight:       run.InFlight(),
		WinningLegID:   run.WinningLegID,
		Agent: agentResponse{
			ID:            run.Agent.ID,
			CallSessionID: run.Agent.CallSessionID,
			Connected:     run.Agent.Connected,
		},
		ConferenceID:  run.ConferenceID,
		FailureReason: run.FailureReason,
		Stats:         toStatsResponse(run.Stats),
		ActiveLegs:    make([]legResponse, 0, len(run.ActiveLegs)),
		CompletedLegs: make([]legResponse, 0, len(run.CompletedLegs)),
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		PausedAt:      run.PausedAt,
		CompletedAt:   run.CompletedAt,
	}

	active := make([]*domain.Leg, 0, len(run.ActiveLegs))
	for _, leg := range run.ActiveLegs {
		active = append(active, leg)
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].StartedAt.Before(active[j].StartedAt)
		}
		return active[i].ID < active[j].ID
	})
	for _, leg := range active {
		resp.ActiveLegs = append(resp.ActiveLegs, toLegResponse(*leg))
	}
	for _, leg := range run.CompletedLegs {
		resp.CompletedLegs = append(resp.CompletedLegs, toLegResponse(leg))
	}
	return resp
}

func recordResponse(rec repository.RunRecord) runResponse {
	return runResponse{
		ID:            rec.ID,
		ListID:        rec.ListID,
		Status:        string(rec.Status),
		MaxLines:      rec.MaxLines,
		WinningLegID:  rec.WinningLegID,
		Agent:         agentResponse{ID: rec.AgentID},
		FailureReason: rec.FailureReason,
		Stats:         toStatsResponse(rec.Stats),
		ActiveLegs:    []legResponse{},
		CompletedLegs: []legResponse{},
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

func toStatsResponse(s domain.DialerRunStats) statsResponse {
	return statsResponse{
		TotalAttempted:       s.TotalAttempted,
		TotalAnswered:        s.TotalAnswered,
		TotalNoAnswer:        s.TotalNoAnswer,
		TotalVoicemail:       s.TotalVoicemail,
		TotalBusy:            s.TotalBusy,
		TotalFailed:          s.TotalFailed,
		TotalCanceled:        s.TotalCanceled,
		TotalTalkTimeSeconds: s.TotalTalkTimeSeconds,
		AverageRingTimeMs:    s.AverageRingTimeMs,
	}
}

func toLegResponse(leg domain.Leg) legResponse {
	return legResponse{
		ID:                  leg.ID,
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
