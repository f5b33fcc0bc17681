package acceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/internal/auth"
	"github.com/lk2023060901/danmu-realtime/internal/coordinator"
	"github.com/lk2023060901/danmu-realtime/internal/fanout"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const secret = "acceptor-secret"

type AcceptorSuite struct {
	suite.Suite

	bus   *fanout.MemoryBus
	coord *coordinator.Coordinator
	acc   *WSAcceptor
	srv   *httptest.Server
}

func (s *AcceptorSuite) setup(cfg Config) {
	s.bus = fanout.NewMemoryBus()
	s.coord = coordinator.New(s.bus, coordinator.WithWorkerID("w1"), coordinator.WithClientList(false))
	s.Require().NoError(s.coord.Start(context.Background()))

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: secret})
	s.Require().NoError(err)
	s.acc, err = New(cfg, NewCoordinatorHandler(s.coord), WithVerifier(verifier))
	s.Require().NoError(err)

	mux := http.NewServeMux()
	mux.Handle(s.acc.Path(), s.acc)
	s.srv = httptest.NewServer(mux)
}

func (s *AcceptorSuite) TearDownTest() {
	if s.srv != nil {
		s.acc.Close()
		s.srv.Close()
		s.coord.Stop()
		s.bus.Close()
		s.srv = nil
	}
}

func (s *AcceptorSuite) url(query string) string {
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + s.acc.Path()
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *AcceptorSuite) token(sub string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte(secret))
	s.Require().NoError(err)
	return token
}

func (s *AcceptorSuite) read(conn *websocket.Conn) *protocol.Envelope {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, frame, err := conn.ReadMessage()
	s.Require().NoError(err)
	env, err := protocol.Decode(frame)
	s.Require().NoError(err)
	return env
}

func (s *AcceptorSuite) TestAnonymousJoinRoom() {
	s.setup(DefaultConfig())
	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	s.Require().NoError(err)
	defer conn.Close()

	s.Eventually(func() bool { return s.coord.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"system","action":"joinRoom","data":{"roomName":"lobby"}}`)))
	env := s.read(conn)
	s.Equal(protocol.TypeSystem, env.Type)
	s.Equal(protocol.ActionJoinRoom, env.Action)
	s.Equal(map[string]any{"success": true, "roomName": "lobby"}, env.Response)
	s.Equal([]string{"lobby"}, s.coord.Rooms().Rooms())

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	env = s.read(conn)
	s.Equal(protocol.TypeError, env.Type)

	s.Require().NoError(conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	s.Eventually(func() bool { return s.coord.Registry().Count() == 0 && s.acc.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Empty(s.coord.Rooms().Rooms())
}

func (s *AcceptorSuite) TestAuthenticatedConnected() {
	s.setup(DefaultConfig())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token("u1"))
	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), header)
	s.Require().NoError(err)
	defer conn.Close()

	env := s.read(conn)
	s.Equal(protocol.ActionConnected, env.Action)
	var data protocol.ConnectedData
	s.Require().NoError(env.Bind(&data))
	s.Equal("u1", data.UserID)
	s.NotEmpty(data.ClientID)

	rec, ok := s.coord.Registry().Get(data.ClientID)
	s.Require().True(ok)
	s.Equal("u1", rec.User.UserID)
}

func (s *AcceptorSuite) TestRequiredAuthRejectsBeforeUpgrade() {
	cfg := DefaultConfig()
	cfg.AuthRequired = true
	s.setup(cfg)

	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	s.Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.url("token=bogus"), nil)
	s.Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal(0, s.coord.Registry().Count())

	conn, _, err := websocket.DefaultDialer.Dial(s.url("token="+s.token("u2")), nil)
	s.Require().NoError(err)
	conn.Close()
}

func (s *AcceptorSuite) TestOptionalAuthDegradesToAnonymous() {
	s.setup(DefaultConfig())
	conn, _, err := websocket.DefaultDialer.Dial(s.url("token=bogus"), nil)
	s.Require().NoError(err)
	defer conn.Close()

	s.Eventually(func() bool { return s.coord.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)
	rec := s.coord.Registry().Local()[0]
	s.Nil(rec.User)
}

func (s *AcceptorSuite) TestCloseShutsDownSessions() {
	s.setup(DefaultConfig())
	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	s.Require().NoError(err)
	defer conn.Close()
	s.Eventually(func() bool { return s.acc.Len() == 1 }, time.Second, 5*time.Millisecond)

	s.NoError(s.acc.Close())
	s.NoError(s.acc.Close())

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err = conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseGoingAway))
	s.Eventually(func() bool { return s.coord.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	s.Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAcceptor(t *testing.T) {
	suite.Run(t, new(AcceptorSuite))
}

func TestNewRequiresVerifierWhenAuthRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthRequired = true
	_, err := New(cfg, NewCoordinatorHandler(nil))
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}
