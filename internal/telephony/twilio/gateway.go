package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/acme/power-dialer/internal/config"
	"github.com/acme/power-dialer/internal/telephony"
)

// Webhook paths served by the API. The gateway points Twilio callbacks at them.
const (
	StatusCallbackPath = "/webhooks/twilio/status"
	AMDCallbackPath    = "/webhooks/twilio/amd"

	// ClientStateParam carries the encoded client state on callback URLs.
	ClientStateParam = "cs"
)

const (
	codeNotFound      = 20404
	codeInvalidTo     = 21211
	codeInvalidMobile = 21214
	codeNotAllowedTo  = 21215
	codeGeoBlocked    = 21217
	codeInvalidPhone  = 13224
)

var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// callAPI is the slice of the Twilio REST API the gateway drives.
type callAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Gateway places and controls calls through Twilio Programmable Voice.
type Gateway struct {
	api         callAPI
	callbackURL string
}

// NewGateway builds a Twilio gateway from provider config.
func NewGateway(cfg config.ProviderConfig) *Gateway {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newGateway(rest.Api, cfg.CallbackBaseURL)
}

func newGateway(api callAPI, callbackBaseURL string) *Gateway {
	return &Gateway{api: api, callbackURL: strings.TrimRight(callbackBaseURL, "/")}
}

// Originate places an outbound call. Conference legs dial straight into their
// conference; prospect legs hold in silence until they are joined.
func (g *Gateway) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	if err := ctx.Err(); err != nil {
		return telephony.OriginateResult{}, telephony.Transient("originate", err)
	}
	if strings.TrimSpace(req.To) == "" {
		return telephony.OriginateResult{}, telephony.Permanent("originate", telephony.ErrInvalidNumber)
	}

	doc, err := holdTwiML(req.ConferenceID)
	if err != nil {
		return telephony.OriginateResult{}, telephony.Permanent("originate", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetTwiml(doc)
	params.SetStatusCallback(g.callbackFor(StatusCallbackPath, req.ClientState))
	params.SetStatusCallbackEvent(statusEvents)
	params.SetStatusCallbackMethod("POST")
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout.Seconds()))
	}
	if req.MachineDetection {
		params.SetMachineDetection("Enable")
		params.SetAsyncAmd("true")
		params.SetAsyncAmdStatusCallback(g.callbackFor(AMDCallbackPath, req.ClientState))
		params.SetAsyncAmdStatusCallbackMethod("POST")
	}

	call, err := g.api.CreateCall(params)
	if err != nil {
		return telephony.OriginateResult{}, classify("originate", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return telephony.OriginateResult{}, telephony.Transient("originate", errors.New("twilio returned no call sid"))
	}
	return telephony.OriginateResult{CallSessionID: *call.Sid}, nil
}

// Hangup completes the call. Calls Twilio no longer knows about count as hung up.
func (g *Gateway) Hangup(ctx context.Context, callSessionID string) error {
	if err := ctx.Err(); err != nil {
		return telephony.Transient("hangup", err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := g.api.UpdateCall(callSessionID, params); err != nil {
		if restCode(err) == codeNotFound {
			return nil
		}
		return classify("hangup", err)
	}
	return nil
}

// JoinConference redirects a live call into the named conference.
func (g *Gateway) JoinConference(ctx context.Context, callSessionID, conferenceID string) error {
	return g.redirect(ctx, "join_conference", callSessionID, conferenceID)
}

// Bridge connects two live calls by moving both into a private conference
// named after the agent leg.
func (g *Gateway) Bridge(ctx context.Context, callSessionID, agentSessionID string) error {
	room := "bridge-" + agentSessionID
	if err := g.redirect(ctx, "bridge", agentSessionID, room); err != nil {
		return err
	}
	return g.redirect(ctx, "bridge", callSessionID, room)
}

func (g *Gateway) redirect(ctx context.Context, op, callSessionID, conference string) error {
	if err := ctx.Err(); err != nil {
		return telephony.Transient(op, err)
	}
	doc, err := holdTwiML(conference)
	if err != nil {
		return telephony.Permanent(op, err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := g.api.UpdateCall(callSessionID, params); err != nil {
		return classify(op, err)
	}
	return nil
}

func (g *Gateway) callbackFor(path, clientState string) string {
	u := g.callbackURL + path
	if clientState != "" {
		u += "?" + url.Values{ClientStateParam: []string{clientState}}.Encode()
	}
	return u
}

// holdTwiML returns the document a call executes: a conference dial when a
// conference is named, otherwise a long pause.
func holdTwiML(conference string) (string, error) {
	var verbs []twiml.Element
	if conference != "" {
		verbs = append(verbs, &twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceConference{
					Name:                   conference,
					StartConferenceOnEnter: "true",
					EndConferenceOnExit:    "false",
					Beep:                   "false",
				},
			},
		})
	} else {
		verbs = append(verbs, &twiml.VoicePause{Length: "600"})
	}
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return doc, nil
}

func restCode(err error) int {
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		return rest.Code
	}
	return 0
}

// classify maps Twilio REST failures onto retry guidance: throttling and
// server errors are transient, bad destinations and other 4xx are permanent.
func classify(op string, err error) error {
	var rest *client.TwilioRestError
	if !errors.As(err, &rest) {
		return telephony.Transient(op, err)
	}
	switch rest.Code {
	case codeInvalidTo, codeInvalidMobile, codeNotAllowedTo, codeGeoBlocked, codeInvalidPhone:
		return telephony.Permanent(op, fmt.Errorf("%w: %s", telephony.ErrInvalidNumber, rest.Message))
	}
	if rest.Status == 429 || rest.Status >= 500 {
		return telephony.Transient(op, err)
	}
	return telephony.Permanent(op, err)
}
