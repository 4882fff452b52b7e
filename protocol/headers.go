package protocol

// User-property header names used on every request/response/telemetry
// message, per spec.md §6.
const (
	HeaderProtocolVersion  = "__protVer"
	HeaderSourceID         = "__srcId"
	HeaderTimestamp        = "__ts"
	HeaderStatus           = "__stat"
	HeaderStatusMessage    = "__stMsg"
	HeaderPropertyName     = "__propName"
	HeaderPropertyValue    = "__propVal"
	HeaderSupportedMajors  = "__supProtMajVer"
	HeaderRequestProtoVer  = "__requestProtVer"
	HeaderIsApplicationErr = "__apErr"
)

// CloudEvents header names (user properties), mapped only when the caller
// supplies a CloudEvents envelope (spec.md §6).
const (
	CEHeaderSpecVersion     = "specversion"
	CEHeaderID              = "id"
	CEHeaderSource          = "source"
	CEHeaderType            = "type"
	CEHeaderSubject         = "subject"
	CEHeaderTime            = "time"
	CEHeaderDataContentType = "datacontenttype"
	CEHeaderDataSchema      = "dataschema"
)

// CloudEventsSpecVersion is the only version this runtime stamps.
const CloudEventsSpecVersion = "1.0"

// Status codes carried by __stat on command responses (spec.md §4.7/§4.8).
const (
	StatusOK                  = 200
	StatusNoContent           = 204
	StatusBadRequest          = 400
	StatusRequestTimeout      = 408
	StatusUnprocessable       = 422
	StatusInternalError       = 500
	StatusServiceUnavailable  = 503
	StatusVersionNotSupported = 505
)
