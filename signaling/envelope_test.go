package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestActionWireMapping verifies the bidirectional action/wire-string table.
func TestActionWireMapping(t *testing.T) {
	cases := []struct {
		action Action
		wire   string
	}{
		{ActionInvite, "invite"},
		{ActionAlert, "alert"},
		{ActionConfirmRing, "confirm-ring"},
		{ActionCancelCall, "cancel-call"},
		{ActionAnswerCall, "answer-call"},
		{ActionConfirmCallee, "confirm-callee"},
		{ActionVideoToVoice, "video-to-voice"},
		{ActionLeaveCall, "leave-call"},
	}
	require.Len(t, cases, len(actionWire), "every action must be covered")

	for _, tc := range cases {
		t.Run(tc.wire, func(t *testing.T) {
			assert.Equal(t, tc.wire, tc.action.String())

			parsed, err := ParseAction(tc.wire)
			require.NoError(t, err)
			assert.Equal(t, tc.action, parsed)
		})
	}
}

func TestParseActionUnknown(t *testing.T) {
	_, err := ParseAction("reboot")
	assert.Error(t, err)

	_, err = ParseAction("")
	assert.Error(t, err)
}

func TestActionStringUnknownTag(t *testing.T) {
	assert.Equal(t, "unknown", Action(200).String())
}

func TestActionJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(ActionConfirmCallee)
	require.NoError(t, err)
	assert.Equal(t, `"confirm-callee"`, string(data))

	var a Action
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, ActionConfirmCallee, a)
}

func TestActionJSONUnknown(t *testing.T) {
	var a Action
	assert.Error(t, json.Unmarshal([]byte(`"self-destruct"`), &a))

	_, err := json.Marshal(Action(99))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Action:         ActionInvite,
		CallID:         "call-1",
		ChannelName:    "chan-1",
		Type:           CallTypeSingleVideo,
		CallerDeviceID: "dev-a",
		Timestamp:      1700000000000,
		Extension:      `{"theme":"dark"}`,
	}
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestEncodeNilEnvelope(t *testing.T) {
	var env *Envelope
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrNilEnvelope)
}

func TestEncodeMissingCallID(t *testing.T) {
	env := &Envelope{Action: ActionAlert}
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrMissingCallID)
}

func TestConfirmCalleeRequiresResult(t *testing.T) {
	env := &Envelope{Action: ActionConfirmCallee, CallID: "call-1"}
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrInvalidResult)

	env.Result = ResultBusy
	_, err = env.Encode()
	assert.NoError(t, err)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"garbage", "not json"},
		{"unknown action", `{"action":"reboot","callId":"c1"}`},
		{"missing call id", `{"action":"alert"}`},
		{"bad call type", `{"action":"invite","callId":"c1","type":"holographic"}`},
		{"bad result", `{"action":"confirm-callee","callId":"c1","result":"maybe"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestCallTypeValid(t *testing.T) {
	assert.True(t, CallTypeSingleAudio.Valid())
	assert.True(t, CallTypeSingleVideo.Valid())
	assert.True(t, CallTypeGroup.Valid())
	assert.False(t, CallType("conference").Valid())
}

func TestResultValid(t *testing.T) {
	assert.True(t, ResultBusy.Valid())
	assert.True(t, ResultAccept.Valid())
	assert.True(t, ResultRefuse.Valid())
	assert.False(t, Result("later").Valid())
}
