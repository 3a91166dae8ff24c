package wire

import "testing"

func TestUserPropertiesGet(t *testing.T) {
	props := UserProperties{
		{Key: "mt", Value: "enr_resp"},
		{Key: "pid", Value: "1"},
	}

	if v, ok := props.Get("mt"); !ok || v != "enr_resp" {
		t.Fatalf("Get(mt) = %q, %v", v, ok)
	}
	if _, ok := props.Get("missing"); ok {
		t.Fatalf("Get(missing) should not be found")
	}
}

func TestRequestEnvelope(t *testing.T) {
	props := RequestEnvelope(MTEnrollRequest)
	if v, _ := props.Get(PropMessageType); v != MTEnrollRequest {
		t.Fatalf("mt = %q", v)
	}
	if v, _ := props.Get(PropProtocolID); v != ProtocolID {
		t.Fatalf("pid = %q", v)
	}
	if v, _ := props.Get("content-type"); v != ContentType {
		t.Fatalf("content-type = %q", v)
	}
}

func TestValidateEnvelope(t *testing.T) {
	good := RequestEnvelope(MTEnrollResponse)
	if err := ValidateEnvelope(good, MTEnrollResponse); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrongType := RequestEnvelope(MTEnrollResponse)
	if err := ValidateEnvelope(wrongType, MTUpdateResponse); err == nil {
		t.Fatalf("expected error for mismatched mt")
	}

	noPID := UserProperties{{Key: PropMessageType, Value: MTEnrollResponse}}
	if err := ValidateEnvelope(noPID, MTEnrollResponse); err == nil {
		t.Fatalf("expected error for missing pid")
	}

	badPID := UserProperties{
		{Key: PropMessageType, Value: MTEnrollResponse},
		{Key: PropProtocolID, Value: "2"},
	}
	if err := ValidateEnvelope(badPID, MTEnrollResponse); err == nil {
		t.Fatalf("expected error for bad pid")
	}
}

func TestParseResultCode(t *testing.T) {
	props := UserProperties{{Key: PropResultCode, Value: "5"}}
	rc, ok := ParseResultCode(props)
	if !ok || rc != AgentNotEnrolled {
		t.Fatalf("ParseResultCode = %v, %v", rc, ok)
	}

	if _, ok := ParseResultCode(UserProperties{}); ok {
		t.Fatalf("expected not-ok for missing resultcode")
	}

	if _, ok := ParseResultCode(UserProperties{{Key: PropResultCode, Value: "notanumber"}}); ok {
		t.Fatalf("expected not-ok for non-numeric resultcode")
	}
}

func TestResultCodeServiceTransient(t *testing.T) {
	transient := []ResultCode{Busy, Conflict, ServerError}
	for _, rc := range transient {
		if !rc.IsServiceTransient() {
			t.Errorf("%v should be service transient", rc)
		}
	}

	notTransient := []ResultCode{Success, BadRequest, AgentNotEnrolled}
	for _, rc := range notTransient {
		if rc.IsServiceTransient() {
			t.Errorf("%v should not be service transient", rc)
		}
	}
}
