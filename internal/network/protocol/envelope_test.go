package protocol

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

type EnvelopeSuite struct {
	suite.Suite
}

func (s *EnvelopeSuite) TestDecode() {
	env, err := Decode([]byte(`{"type":"hello","action":"greet","data":{"name":"Ada"}}`))
	s.Require().NoError(err)
	s.Equal("hello", env.Type)
	s.Equal("greet", env.Action)
	s.Equal("hello/greet", env.Route())

	var body struct {
		Name string `json:"name"`
	}
	s.NoError(env.Bind(&body))
	s.Equal("Ada", body.Name)
}

func (s *EnvelopeSuite) TestDecodeWithoutData() {
	env, err := Decode([]byte(`{"type":"system","action":"leaveRoom"}`))
	s.Require().NoError(err)
	var req LeaveRoomRequest
	s.NoError(env.Bind(&req))
	s.Empty(req.RoomName)
}

func (s *EnvelopeSuite) TestDecodeMalformed() {
	cases := []string{
		`not-json`,
		`[1,2,3]`,
		`null`,
		`{"action":"greet"}`,
		`{"type":"hello"}`,
		`{"type":"","action":"greet"}`,
		`{"type":1,"action":"greet"}`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		s.ErrorIs(err, merr.ErrMalformedMessage, raw)
	}
}

func (s *EnvelopeSuite) TestBindMismatch() {
	env, err := Decode([]byte(`{"type":"system","action":"joinRoom","data":"general"}`))
	s.Require().NoError(err)
	var req JoinRoomRequest
	s.ErrorIs(env.Bind(&req), merr.ErrMalformedMessage)
}

func (s *EnvelopeSuite) TestErrorEnvelope() {
	raw, err := Encode(NewError("boom"))
	s.Require().NoError(err)

	var decoded map[string]any
	s.Require().NoError(json.Unmarshal(raw, &decoded))
	s.Equal("error", decoded["type"])
	s.Equal("message", decoded["action"])
	s.Equal(map[string]any{"error": "boom"}, decoded["data"])
	s.NotContains(decoded, "response")
}

func (s *EnvelopeSuite) TestResponseEnvelope() {
	raw, err := Encode(NewResponse("hello", "greet", map[string]bool{"success": true}))
	s.Require().NoError(err)

	var decoded map[string]any
	s.Require().NoError(json.Unmarshal(raw, &decoded))
	s.Equal(map[string]any{"success": true}, decoded["response"])
	s.NotContains(decoded, "data")
}

func (s *EnvelopeSuite) TestNew() {
	env, err := New(TypeSystem, ActionConnected, ConnectedData{ClientID: "c1"})
	s.Require().NoError(err)
	s.JSONEq(`{"clientId":"c1"}`, string(env.Data))

	env, err = New("hello", "ping", nil)
	s.Require().NoError(err)
	s.Nil(env.Data)
}

func TestEnvelope(t *testing.T) {
	suite.Run(t, new(EnvelopeSuite))
}
