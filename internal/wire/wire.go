// Package wire defines the MQTT v5 message envelope shared by every topic
// module: the user-property keys, message type strings, protocol id, and
// result codes described in spec section 6 ("External interfaces").
package wire

import "strconv"

// Message types carried in the "mt" user property. The router (internal/router)
// dispatches inbound messages by this value; topic modules (internal/operations)
// publish with it.
const (
	MTEnrollRequest      = "enr_req"
	MTEnrollResponse     = "enr_resp"
	MTEnrollChangeNotify = "enr_cn"

	MTAgentInfoRequest  = "ainfo_req"
	MTAgentInfoResponse = "ainfo_resp"

	MTUpdateRequest      = "upd_req"
	MTUpdateResponse     = "upd_resp"
	MTUpdateChangeNotify = "upd_cn"
)

// ProtocolID is the only value the "pid" user property is ever allowed to
// carry. Anything else causes the router to drop the message (spec 4.4).
const ProtocolID = "1"

// ContentType is the value of the MQTT v5 "content-type" envelope property
// for every request and response payload (spec 6).
const ContentType = "json"

// User property keys.
const (
	PropMessageType  = "mt"
	PropProtocolID   = "pid"
	PropResultCode   = "resultcode"
	PropExtResultCode = "extendedresultcode"
)

// UserProperty is one key/value pair from an MQTT v5 PUBLISH's User
// Property list. Kept independent of the paho wire type so packages that
// only need to read/write properties do not need to import the MQTT
// client library.
type UserProperty struct {
	Key   string
	Value string
}

// UserProperties is an ordered list of UserProperty, mirroring MQTT v5's
// allowance of repeated property keys. Lookups take the first match.
type UserProperties []UserProperty

// Get returns the value of the first user property matching key.
func (p UserProperties) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// With returns a copy of p with key/value appended.
func (p UserProperties) With(key, value string) UserProperties {
	out := make(UserProperties, len(p), len(p)+1)
	copy(out, p)
	return append(out, UserProperty{Key: key, Value: value})
}

// RequestEnvelope builds the standard set of user properties every
// outbound request carries: mt, pid, content-type. Correlation data is
// carried separately in the MQTT v5 PublishProperties.CorrelationData
// field, not as a user property, so it is not included here.
func RequestEnvelope(messageType string) UserProperties {
	return UserProperties{
		{Key: PropMessageType, Value: messageType},
		{Key: PropProtocolID, Value: ProtocolID},
		{Key: "content-type", Value: ContentType},
	}
}

// ResultCode is the service's outcome for a request/response cycle
// (spec 6, "Result codes").
type ResultCode int

const (
	Success          ResultCode = 0
	BadRequest       ResultCode = 1
	Busy             ResultCode = 2
	Conflict         ResultCode = 3
	ServerError      ResultCode = 4
	AgentNotEnrolled ResultCode = 5
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "Success"
	case BadRequest:
		return "BadRequest"
	case Busy:
		return "Busy"
	case Conflict:
		return "Conflict"
	case ServerError:
		return "ServerError"
	case AgentNotEnrolled:
		return "AgentNotEnrolled"
	default:
		return "Unknown(" + strconv.Itoa(int(c)) + ")"
	}
}

// IsServiceTransient reports whether c should be retried under the
// ServiceTransient retry category (spec 4.5, 4.5.1, 7).
func (c ResultCode) IsServiceTransient() bool {
	return c == Busy || c == Conflict || c == ServerError
}

// ExtendedResultCode carries implementation-specific diagnostic detail
// alongside a ResultCode. Zero means "no additional detail".
type ExtendedResultCode uint32

// ParseResultCode reads the "resultcode" user property. ok is false if
// the property is missing or not a valid integer.
func ParseResultCode(props UserProperties) (ResultCode, bool) {
	raw, present := props.Get(PropResultCode)
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return ResultCode(n), true
}

// ParseExtendedResultCode reads the "extendedresultcode" user property.
func ParseExtendedResultCode(props UserProperties) (ExtendedResultCode, bool) {
	raw, present := props.Get(PropExtResultCode)
	if !present {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return ExtendedResultCode(n), true
}

// ValidateEnvelope checks the common inbound-message invariants from
// spec 4.4: pid must equal ProtocolID, and mt must equal want. Returns a
// descriptive error identifying which check failed, for drop-and-log
// callers.
func ValidateEnvelope(props UserProperties, want string) error {
	pid, ok := props.Get(PropProtocolID)
	if !ok || pid != ProtocolID {
		return errMismatch("pid", ProtocolID, pid, ok)
	}
	mt, ok := props.Get(PropMessageType)
	if !ok || mt != want {
		return errMismatch("mt", want, mt, ok)
	}
	return nil
}

func errMismatch(field, want, got string, present bool) error {
	if !present {
		return &EnvelopeError{Field: field, Want: want}
	}
	return &EnvelopeError{Field: field, Want: want, Got: got, Present: true}
}

// EnvelopeError describes a failed envelope validation (spec 4.4).
type EnvelopeError struct {
	Field   string
	Want    string
	Got     string
	Present bool
}

func (e *EnvelopeError) Error() string {
	if !e.Present {
		return "wire: missing required property " + e.Field + " (want " + e.Want + ")"
	}
	return "wire: property " + e.Field + " = " + e.Got + ", want " + e.Want
}
