package dialer

import "github.com/acme/power-dialer/internal/domain"

type transitionInput struct {
	Leg            domain.Leg
	Event          domain.ProviderEvent
	WinningLegID   string
	GateBridge     bool
	UnknownAsHuman bool
}

// outcome is what a single event does to a leg. The engine applies it.
type outcome struct {
	Ignore        bool
	Status        domain.LegStatus
	HangupCause   string
	AMD           domain.AMDResult
	MarkAnswered  bool
	ClaimWinner   bool
	ReleaseWinner bool
	Hangup        bool
	Bridge        bool
}

const (
	causeFirstAnswerElsewhere = "first_answer_elsewhere"
	causeAnsweringMachine     = "answering_machine"
	causeFax                  = "fax_detected"
	causeBridgeFailed         = "bridge_failed"
	causeOperatorStop         = "operator_stop"
	causeRingTimeout          = "ring_timeout"
	causeRunFailed            = "run_failed"
	causeOriginationFailed    = "origination_failed"
)

// transition is a pure function of the leg, the event and the run's winner.
func transition(in transitionInput) outcome {
	leg := in.Leg
	switch in.Event.Type {
	case domain.EventInitiated:
		return advance(leg, domain.LegStatusDialing)
	case domain.EventRinging:
		return advance(leg, domain.LegStatusRinging)
	case domain.EventAnswered:
		return answered(in)
	case domain.EventAMDResult:
		return amdResult(in)
	case domain.EventHangup:
		return hangup(in)
	}
	return outcome{Ignore: true}
}

func advance(leg domain.Leg, to domain.LegStatus) outcome {
	if leg.Status.Rank() >= to.Rank() {
		return outcome{Ignore: true}
	}
	return outcome{Status: to}
}

func answered(in transitionInput) outcome {
	leg := in.Leg
	if leg.Status.Connected() {
		return outcome{Ignore: true}
	}
	if in.WinningLegID != "" && in.WinningLegID != leg.ID {
		return outcome{
			Status:       domain.LegStatusCanceledFirstAnswer,
			HangupCause:  causeFirstAnswerElsewhere,
			MarkAnswered: true,
			Hangup:       true,
		}
	}

	out := outcome{MarkAnswered: true, ClaimWinner: true}
	// a verdict may have arrived ahead of the answer callback
	if leg.AMDResult != domain.AMDNone {
		return decideAMD(out, leg.AMDResult, in.UnknownAsHuman, true)
	}
	if !in.GateBridge {
		out.Status = domain.LegStatusAnswered
		out.Bridge = true
		return out
	}
	out.Status = domain.LegStatusAMDPending
	return out
}

func amdResult(in transitionInput) outcome {
	leg := in.Leg
	verdict := ClassifyAMD(in.Event.AMDCode)
	if leg.ID != in.WinningLegID || !leg.Status.Connected() {
		if leg.AMDResult == verdict {
			return outcome{Ignore: true}
		}
		return outcome{AMD: verdict}
	}
	if leg.AMDResult != domain.AMDNone && leg.Status != domain.LegStatusAMDPending {
		return outcome{Ignore: true}
	}
	return decideAMD(outcome{}, verdict, in.UnknownAsHuman, leg.Status == domain.LegStatusAMDPending)
}

// decideAMD acts on a verdict for the winning leg. pending means the bridge
// is still being held back for the verdict.
func decideAMD(out outcome, verdict domain.AMDResult, unknownAsHuman, pending bool) outcome {
	out.AMD = verdict
	effective := verdict
	if verdict == domain.AMDUnknown {
		effective = domain.AMDMachine
		if unknownAsHuman {
			effective = domain.AMDHuman
		}
	}

	switch effective {
	case domain.AMDHuman:
		if pending {
			out.Status = domain.LegStatusAnswered
			out.Bridge = true
		}
	case domain.AMDFax:
		out.Status = domain.LegStatusFailed
		out.HangupCause = causeFax
		out.Hangup = true
		out.ReleaseWinner = true
	default:
		out.Status = domain.LegStatusVoicemail
		out.HangupCause = causeAnsweringMachine
		out.Hangup = true
		out.ReleaseWinner = true
	}
	return out
}

func hangup(in transitionInput) outcome {
	leg := in.Leg
	cause := in.Event.HangupCause
	if leg.Status.Connected() {
		return outcome{
			Status:        domain.LegStatusCompleted,
			HangupCause:   cause,
			ReleaseWinner: leg.ID == in.WinningLegID && leg.Status != domain.LegStatusBridged,
		}
	}
	return outcome{Status: ClassifyHangup(cause), HangupCause: cause}
}
