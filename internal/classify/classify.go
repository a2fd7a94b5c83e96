// Package classify turns a transport outcome into one semantic result.
//
// Classification is a pure function of its inputs: the same network state,
// status and body always produce the same Result.
package classify

import (
	"net/http"

	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
)

// Messages reported for outcomes that carry no server-provided text.
const (
	MsgNoInternet        = "network unavailable"
	MsgTransportFailure  = "request failed"
	MsgServerError       = "server error, please try again later"
	MsgGatewayTimeout    = "gateway timeout, please check your network"
	MsgHTTPOther         = "unexpected http status"
	MsgEmptyBody         = "empty response body"
	MsgEnvelopeViolation = "response body is not a recognized envelope"
)

// Codes are the envelope codes the classifier compares against, plus the
// code reported for failures that have no HTTP or application code.
type Codes struct {
	Success     int
	AuthInvalid int
	Failure     int
}

// DefaultCodes returns the built-in envelope codes.
func DefaultCodes() Codes {
	return Codes{Success: 0, AuthInvalid: 1002, Failure: -1}
}

// CodesFromConfig maps the [envelope] section onto Codes.
func CodesFromConfig(c config.EnvelopeConfig) Codes {
	return Codes{Success: c.SuccessCode, AuthInvalid: c.AuthInvalidCode, Failure: c.FailureCode}
}

// Response is what the transport produced for one exchange.
// Err is non-nil when no HTTP response exists. Body nil means absent.
type Response struct {
	Err    error
	Status int
	Body   []byte
}

// Result is the classified outcome.
type Result struct {
	Kind    Kind
	Message string
	Code    int
	// Envelope is set for the three Application kinds.
	Envelope *Envelope
}

// Classify decides the outcome of one exchange. Order:
// network availability, transport error, HTTP status, body shape, envelope code.
func Classify(codes Codes, networkAvailable bool, resp Response) Result {
	if !networkAvailable {
		return Result{Kind: NoInternet, Message: MsgNoInternet, Code: codes.Failure}
	}
	if resp.Err != nil {
		return Result{Kind: TransportFailure, Message: MsgTransportFailure, Code: codes.Failure}
	}

	switch resp.Status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusBadGateway:
		return Result{Kind: HTTPServerError, Message: MsgServerError, Code: resp.Status}
	case http.StatusGatewayTimeout:
		return Result{Kind: HTTPGatewayTimeout, Message: MsgGatewayTimeout, Code: resp.Status}
	default:
		return Result{Kind: HTTPOtherError, Message: MsgHTTPOther, Code: resp.Status}
	}

	body := DecodeBody(resp.Body)
	switch body.Kind {
	case BodyAbsent:
		return Result{Kind: EmptyBody, Message: MsgEmptyBody, Code: resp.Status}
	case BodyMalformed:
		return Result{Kind: EnvelopeContractViolation, Message: MsgEnvelopeViolation, Code: codes.Failure}
	}

	env := body.Envelope
	switch env.Code {
	case codes.Success:
		return Result{Kind: ApplicationSuccess, Message: env.Message, Code: env.Code, Envelope: &env}
	case codes.AuthInvalid:
		return Result{Kind: ApplicationAuthInvalid, Message: env.Message, Code: env.Code, Envelope: &env}
	default:
		return Result{Kind: ApplicationOtherError, Message: env.Message, Code: env.Code, Envelope: &env}
	}
}

// StatusMessage describes a non-200 HTTP status the way Classify does.
// Used by downloads, which have no envelope.
func StatusMessage(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusBadGateway:
		return MsgServerError
	case http.StatusGatewayTimeout:
		return MsgGatewayTimeout
	default:
		return MsgHTTPOther
	}
}
