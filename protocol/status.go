package protocol

import "strconv"

// parseStatus parses the __stat header value, defaulting to 500 if it is
// missing or malformed (a malformed status from a peer is itself a protocol
// violation worth surfacing as a server error rather than crashing).
func parseStatus(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return StatusInternalError
	}
	return v
}

// kindForStatus maps a command response status code to the local error
// taxonomy (spec.md §4.7). 400 means "missing header" when the executor named
// an offending header (__propName present), else "invalid header value". 422
// means "unknown error" when the remote reports an application error
// (__apErr=true), else "invalid payload".
func kindForStatus(status int, hasPropName, isAppErr bool) Kind {
	switch status {
	case StatusBadRequest:
		if hasPropName {
			return KindMissingHeader
		}
		return KindInvalidHeaderValue
	case StatusRequestTimeout:
		return KindTimeout
	case StatusUnprocessable:
		if isAppErr {
			return KindUnknownError
		}
		return KindInvalidPayload
	case StatusServiceUnavailable:
		return KindStateInvalid
	case StatusVersionNotSupported:
		return KindUnsupportedVersion
	default:
		return KindExecutionError
	}
}

// statusForKind is the reverse of kindForStatus: it picks the __stat value an
// executor stamps for a locally raised *Error.
func statusForKind(k Kind) int {
	switch k {
	case KindMissingHeader, KindInvalidHeaderValue:
		return StatusBadRequest
	case KindInvalidPayload, KindUnknownError:
		return StatusUnprocessable
	case KindTimeout:
		return StatusRequestTimeout
	case KindStateInvalid, KindObjectDisposed:
		return StatusServiceUnavailable
	case KindUnsupportedVersion:
		return StatusVersionNotSupported
	default:
		return StatusInternalError
	}
}

// remoteErrorFromHeaders builds the *Error for a non-success command
// response, carrying through whichever diagnostic headers the executor
// attached.
func remoteErrorFromHeaders(status int, props map[string]string) *Error {
	propName, hasPropName := props[HeaderPropertyName]
	isAppErr := props[HeaderIsApplicationErr] == "true"
	e := RemoteError(kindForStatus(status, hasPropName, isAppErr), props[HeaderStatusMessage])
	e.PropertyName = propName
	e.PropertyValue = props[HeaderPropertyValue]
	if hasPropName {
		e.HeaderName = propName
	}
	if v, ok := props[HeaderSupportedMajors]; ok {
		e.SupportedProtocols = splitSpaceList(v)
	}
	if v, ok := props[HeaderRequestProtoVer]; ok {
		e.ProtocolVersion = v
	}
	return e
}

// splitSpaceList splits a space-separated list such as __supProtMajVer's
// "2 3" (spec.md §6), collapsing runs of whitespace.
func splitSpaceList(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return out
}
