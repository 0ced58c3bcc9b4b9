// Package wire defines the message frames exchanged with clients. Every
// server-to-client frame is a JSON object {"status": int, "payload": ...};
// client-to-server frames carry one logical value each.
package wire

import (
	"encoding/json"

	"github.com/questgate/questgate/internal/errors"
)

// Status is the response code carried in every server frame.
//
// Positive codes continue the conversation, negative codes report a
// failure. The negative space is stable: clients may rely on the exact
// values below. Status 0 is never sent.
type Status int

const (
	// StatusSuccess: operation complete, ready for the next query.
	StatusSuccess Status = 1
	// StatusChallenge: login accepted so far, an interactive second
	// factor is required. Payload carries the verification prompt.
	StatusChallenge Status = 2

	StatusCredentialRejected Status = -1
	StatusSecondFactorFailed Status = -2
	StatusTokenInvalid       Status = -3
	StatusAutomationFault    Status = -4
	StatusCommandError       Status = -5
	StatusProtocolViolation  Status = -6
)

// Fatal reports whether a status terminates the connection when emitted
// during the authentication phase. During dispatch, only protocol
// violations are fatal; automation faults and command errors leave the
// connection usable.
func (s Status) Fatal() bool {
	return s < 0
}

type Response struct {
	Status  Status `json:"status"`
	Payload any    `json:"payload"`
}

func Success(payload any) Response {
	return Response{Status: StatusSuccess, Payload: payload}
}

func Challenge(prompt string) Response {
	return Response{Status: StatusChallenge, Payload: prompt}
}

func Failure(status Status, reason string) Response {
	return Response{Status: status, Payload: reason}
}

func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func Decode(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, errors.Wrapf(err, "[wire.Decode] unmarshal frame")
	}
	return r, nil
}

// FailureFor translates an error from the auth state machine, the token
// store or the automation adapter into the wire response for its failure
// category.
func FailureFor(err error) Response {
	return Failure(statusFor(err), err.Error())
}

func statusFor(err error) Status {
	switch {
	case errors.Is(err, errors.ErrCredentialRejected):
		return StatusCredentialRejected
	case errors.Is(err, errors.ErrSecondFactorFailed):
		return StatusSecondFactorFailed
	case errors.Is(err, errors.ErrTokenInvalid),
		errors.Is(err, errors.ErrSessionExpired),
		errors.Is(err, errors.ErrSessionNotFound):
		return StatusTokenInvalid
	case errors.Is(err, errors.ErrAutomationFault),
		errors.Is(err, errors.ErrSessionDead),
		errors.Is(err, errors.ErrNoSections):
		return StatusAutomationFault
	case errors.Is(err, errors.ErrCommandError):
		return StatusCommandError
	case errors.Is(err, errors.ErrProtocolViolation):
		return StatusProtocolViolation
	}
	return StatusAutomationFault
}
