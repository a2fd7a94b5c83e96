package classify

// Kind is the semantic outcome of one request.
type Kind int

const (
	// NoInternet: the network probe reported no connectivity; nothing was sent.
	NoInternet Kind = iota
	// TransportFailure: the exchange failed before an HTTP response existed
	// (connection error, timeout, cancelled context, unreadable body).
	TransportFailure
	// HTTPServerError: status 404 or 502.
	HTTPServerError
	// HTTPGatewayTimeout: status 504.
	HTTPGatewayTimeout
	// HTTPOtherError: any other non-200 status.
	HTTPOtherError
	// EmptyBody: status 200 without a body.
	EmptyBody
	// ApplicationSuccess: envelope code equals the success code.
	ApplicationSuccess
	// ApplicationAuthInvalid: envelope code equals the auth-invalid code.
	ApplicationAuthInvalid
	// ApplicationOtherError: any other envelope code.
	ApplicationOtherError
	// EnvelopeContractViolation: status 200 but the body is not an envelope,
	// or its data does not fit the caller's type.
	EnvelopeContractViolation
	// FileSystemError: a download could not create its directory or close a stream.
	FileSystemError
)

var kindNames = [...]string{
	NoInternet:                "no_internet",
	TransportFailure:          "transport_failure",
	HTTPServerError:           "http_server_error",
	HTTPGatewayTimeout:        "http_gateway_timeout",
	HTTPOtherError:            "http_other_error",
	EmptyBody:                 "empty_body",
	ApplicationSuccess:        "application_success",
	ApplicationAuthInvalid:    "application_auth_invalid",
	ApplicationOtherError:     "application_other_error",
	EnvelopeContractViolation: "envelope_contract_violation",
	FileSystemError:           "file_system_error",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}
