package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWellFormed(t *testing.T) {
	t.Run("Call", func(t *testing.T) {
		env := Decode([]byte(`[2, "19223201", "BootNotification", {"chargePointVendor": "VendorX", "chargePointModel": "M1"}]`))

		call, ok := env.(Call)
		require.True(t, ok, "got %T", env)
		assert.Equal(t, "19223201", call.ID)
		assert.Equal(t, "BootNotification", call.Action)
		assert.Equal(t, `{"chargePointVendor":"VendorX","chargePointModel":"M1"}`, string(call.Payload))
		assert.Equal(t, CallType, call.MessageType())
	})

	t.Run("CallResult", func(t *testing.T) {
		env := Decode([]byte(`[3,"42",{"status":"Accepted"}]`))

		res, ok := env.(CallResult)
		require.True(t, ok, "got %T", env)
		assert.Equal(t, "42", res.RequestID())
		assert.Equal(t, `{"status":"Accepted"}`, string(res.Payload))
	})

	t.Run("CallError", func(t *testing.T) {
		env := Decode([]byte(`[4,"54","FormationViolation","Already connected",{"context":"whateva"}]`))

		callErr, ok := env.(CallError)
		require.True(t, ok, "got %T", env)
		assert.Equal(t, "54", callErr.ID)
		assert.Equal(t, FormationViolation, callErr.Code)
		assert.Equal(t, "Already connected", callErr.Description)
		assert.Equal(t, `{"context":"whateva"}`, string(callErr.Details))
	})

	t.Run("CallError with unknown code", func(t *testing.T) {
		callErr, ok := Decode([]byte(`[4,"ce31","ER443","Something went wrong",{}]`)).(CallError)
		require.True(t, ok)
		assert.Equal(t, GenericError, callErr.Code)
	})

	t.Run("CallError with Timeout code", func(t *testing.T) {
		callErr, ok := Decode([]byte(`[4,"1","Timeout","late",{}]`)).(CallError)
		require.True(t, ok)
		assert.Equal(t, Timeout, callErr.Code)
	})
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		tag    int
		id     string
		reason string
	}{
		{name: "not json", raw: `hello`, reason: "frame is not a JSON array"},
		{name: "object", raw: `{"foo":1}`, reason: "frame is not a JSON array"},
		{name: "empty array", raw: `[]`, reason: "frame is an empty array"},
		{name: "string tag", raw: `["2","1","Heartbeat",{}]`, id: "1", reason: "message type is not an integer"},
		{name: "fractional tag", raw: `[2.5,"1","Heartbeat",{}]`, id: "1", reason: "message type is not an integer"},
		{name: "call missing payload", raw: `[2,"7","BootNotification"]`, tag: 2, id: "7", reason: "Call must have 4 elements, got 3"},
		{name: "call extra element", raw: `[2,"7","Heartbeat",{},{}]`, tag: 2, id: "7", reason: "Call must have 4 elements, got 5"},
		{name: "call numeric id", raw: `[2,7,"Heartbeat",{}]`, tag: 2, id: "7", reason: "request id must be a string"},
		{name: "call null id", raw: `[2,null,"Heartbeat",{}]`, tag: 2, reason: "request id must be a string"},
		{name: "call numeric action", raw: `[2,"8",5,{}]`, tag: 2, id: "8", reason: "action must be a string"},
		{name: "call array payload", raw: `[2,"8","Heartbeat",[]]`, tag: 2, id: "8", reason: "payload must be a JSON object"},
		{name: "call null payload", raw: `[2,"8","Heartbeat",null]`, tag: 2, id: "8", reason: "payload must be a JSON object"},
		{name: "result wrong arity", raw: `[3,"9"]`, tag: 3, id: "9", reason: "CallResult must have 3 elements, got 2"},
		{name: "result string payload", raw: `[3,"9","ok"]`, tag: 3, id: "9", reason: "payload must be a JSON object"},
		{name: "error wrong arity", raw: `[4,"9","GenericError","x"]`, tag: 4, id: "9", reason: "CallError must have 5 elements, got 4"},
		{name: "error numeric code", raw: `[4,"9",500,"x",{}]`, tag: 4, id: "9", reason: "error code must be a string"},
		{name: "error numeric description", raw: `[4,"9","GenericError",1,{}]`, tag: 4, id: "9", reason: "error description must be a string"},
		{name: "error details array", raw: `[4,"9","GenericError","x",[]]`, tag: 4, id: "9", reason: "error details must be a JSON object"},
		{name: "unknown tag", raw: `[5,"9","Heartbeat",{}]`, tag: 5, id: "9", reason: "unsupported message type 5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := Decode([]byte(tc.raw))

			m, ok := env.(Malformed)
			require.True(t, ok, "got %T", env)
			assert.Equal(t, tc.tag, m.Tag)
			assert.Equal(t, tc.id, m.ID)
			assert.Equal(t, tc.reason, m.Reason)
			assert.Equal(t, tc.raw, m.Raw)
		})
	}
}

func TestEncode(t *testing.T) {
	t.Run("Call", func(t *testing.T) {
		frame, err := Encode(Call{ID: "we57", Action: "RemoteStopTransaction", Payload: json.RawMessage(`{"transactionId":123}`)})
		require.NoError(t, err)
		assert.Equal(t, `[2,"we57","RemoteStopTransaction",{"transactionId":123}]`, string(frame))
	})

	t.Run("CallResult with empty payload", func(t *testing.T) {
		frame, err := Encode(CallResult{ID: "alai2022"})
		require.NoError(t, err)
		assert.Equal(t, `[3,"alai2022",{}]`, string(frame))
	})

	t.Run("CallError", func(t *testing.T) {
		frame, err := Encode(&CallError{ID: "54", Code: FormationViolation, Description: "Already connected", Details: json.RawMessage(`{"context":"whateva"}`)})
		require.NoError(t, err)
		assert.Equal(t, `[4,"54","FormationViolation","Already connected",{"context":"whateva"}]`, string(frame))
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := Encode(Malformed{Reason: "broken"})
		assert.ErrorIs(t, err, ErrEncodeMalformed)
	})

	t.Run("invalid raw payload", func(t *testing.T) {
		_, err := Encode(CallResult{ID: "1", Payload: json.RawMessage(`{"a":`)})
		assert.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		Call{ID: "42", Action: "Reset", Payload: json.RawMessage(`{"type":"Immediate"}`)},
		Call{ID: "", Action: "Heartbeat", Payload: json.RawMessage(`{}`)},
		Call{ID: "ünïcode-☃", Action: "DataTransfer", Payload: json.RawMessage(`{"data":"a\"b","nested":{"list":[1,2,3]}}`)},
		CallResult{ID: "42", Payload: json.RawMessage(`{"status":"Accepted"}`)},
		CallResult{ID: "43", Payload: json.RawMessage(`{}`)},
		CallError{ID: "44", Code: NotSupported, Description: "", Details: json.RawMessage(`{}`)},
		CallError{ID: "45", Code: Timeout, Description: "late", Details: json.RawMessage(`{"after":"30s"}`)},
		CallError{ID: "46", Code: OccurenceConstraintViolation, Description: "missing idTag", Details: json.RawMessage(`{"field":"idTag"}`)},
	}

	for _, env := range envelopes {
		frame, err := Encode(env)
		require.NoError(t, err)
		assert.Equal(t, env, Decode(frame), "frame %s", frame)
	}
}

func TestNewCallResult(t *testing.T) {
	res, err := NewCallResult("1", map[string]string{"status": "Accepted"})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"Accepted"}`, string(res.Payload))

	res, err = NewCallResult("2", nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(res.Payload))

	_, err = NewCallResult("3", "not an object")
	assert.Error(t, err)

	_, err = NewCallResult("4", make(chan int))
	assert.Error(t, err)
}

func FuzzDecode(f *testing.F) {
	for _, seed := range []string{
		`[2,"1","Heartbeat",{}]`,
		`[3,"1",{}]`,
		`[4,"1","GenericError","",{}]`,
		`[2,"7","BootNotification"]`,
		`[`,
		`null`,
		"\xff\xfe",
	} {
		f.Add([]byte(seed))
	}

	f.Fuzz(func(t *testing.T, raw []byte) {
		env := Decode(raw)
		if _, ok := env.(Malformed); ok {
			return
		}
		frame, err := Encode(env)
		if err != nil {
			t.Fatalf("well-formed envelope %#v failed to encode: %v", env, err)
		}
		if again := Decode(frame); !assert.ObjectsAreEqual(env, again) {
			t.Fatalf("round trip mismatch: %#v != %#v", env, again)
		}
	})
}
