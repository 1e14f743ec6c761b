package dialer

import (
	"strings"

	"github.com/acme/power-dialer/internal/domain"
)

// ClassifyAMD maps a provider answering-machine code to a canonical verdict.
func ClassifyAMD(code string) domain.AMDResult {
	c := strings.ToLower(strings.TrimSpace(code))
	switch {
	case c == "human" || c == "person":
		return domain.AMDHuman
	case c == "fax":
		return domain.AMDFax
	case c == "machine" || c == "voicemail" || c == "answering_machine" || strings.HasPrefix(c, "machine_"):
		return domain.AMDMachine
	}
	return domain.AMDUnknown
}

// ClassifyHangup picks the final status for a leg that was never answered.
// Causes may be provider status words or Q.850 cause codes.
func ClassifyHangup(cause string) domain.LegStatus {
	c := strings.ToLower(strings.TrimSpace(cause))
	c = strings.ReplaceAll(c, "-", "_")
	switch c {
	case "busy", "user_busy", "17", "call_rejected", "rejected", "21":
		return domain.LegStatusBusy
	case "no_answer", "noanswer", "no_user_response", "18", "19",
		"canceled", "cancelled", "originator_cancel", "timeout", "ring_timeout",
		"operator_stop", "normal_clearing", "completed", "16":
		return domain.LegStatusNoAnswer
	}
	return domain.LegStatusFailed
}
