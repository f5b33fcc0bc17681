package router

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session/sessiontest"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

type RouterSuite struct {
	suite.Suite

	router *Router
	sess   *sessiontest.Recorder
}

func (s *RouterSuite) SetupTest() {
	s.router = New()
	s.sess = sessiontest.NewRecorder("c1")
}

func (s *RouterSuite) errorText(env *protocol.Envelope) string {
	var data protocol.ErrorData
	s.Require().NoError(json.Unmarshal(env.Data, &data))
	return data.Error
}

func (s *RouterSuite) TestRegisterDuplicate() {
	h := func(c *Context) (any, error) { return nil, nil }
	s.NoError(s.router.Register("hello", "greet", h))
	s.ErrorIs(s.router.Register("hello", "greet", h), merr.ErrDuplicateRoute)
	s.True(s.router.Has("hello", "greet"))
	s.Equal([]string{"hello/greet"}, s.router.Routes())
}

func (s *RouterSuite) TestRegisterInvalid() {
	h := func(c *Context) (any, error) { return nil, nil }
	s.ErrorIs(s.router.Register("", "greet", h), merr.ErrParameterInvalid)
	s.ErrorIs(s.router.Register("hello", "", h), merr.ErrParameterInvalid)
	s.ErrorIs(s.router.Register("hello", "greet", nil), merr.ErrParameterInvalid)
	s.ErrorIs(s.router.Register(protocol.TypeSystem, protocol.ActionClientList, h), merr.ErrParameterInvalid)
	s.Panics(func() { s.router.MustRegister("", "", h) })
}

func (s *RouterSuite) TestDispatchResponse() {
	s.router.MustRegister("hello", "greet", func(c *Context) (any, error) {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.Bind(&body); err != nil {
			return nil, err
		}
		s.Equal("c1", c.Identity())
		return map[string]any{"success": true, "name": body.Name}, nil
	})

	err := s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"greet","data":{"name":"Ada"}}`), nil)
	s.NoError(err)

	raw := s.sess.Raw()
	s.Require().Len(raw, 1)
	s.JSONEq(`{"type":"hello","action":"greet","response":{"success":true,"name":"Ada"}}`, string(raw[0]))
}

func (s *RouterSuite) TestDispatchNilResponse() {
	s.router.MustRegister("hello", "silent", func(c *Context) (any, error) { return nil, nil })
	s.NoError(s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"silent"}`), nil))
	s.Empty(s.sess.Raw())
}

func (s *RouterSuite) TestDispatchMalformed() {
	err := s.router.Dispatch(context.Background(), s.sess, []byte(`not-json`), nil)
	s.ErrorIs(err, merr.ErrMalformedMessage)

	env, ok := s.sess.Find(protocol.TypeError, protocol.ActionMessage)
	s.Require().True(ok)
	s.Contains(s.errorText(env), "malformed")
}

func (s *RouterSuite) TestDispatchUnknownRoute() {
	err := s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"wave"}`), nil)
	s.ErrorIs(err, merr.ErrUnknownRoute)

	env, ok := s.sess.Find(protocol.TypeError, protocol.ActionMessage)
	s.Require().True(ok)
	s.Equal("unknown route hello/wave", s.errorText(env))
}

func (s *RouterSuite) TestDispatchClientListIsNotRoutable() {
	err := s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"system","action":"clientList"}`), nil)
	s.ErrorIs(err, merr.ErrUnknownRoute)
}

func (s *RouterSuite) TestDispatchHandlerFailure() {
	s.router.MustRegister("hello", "fail", func(c *Context) (any, error) {
		return nil, errors.New("database password is hunter2")
	})
	s.router.MustRegister("hello", "invalid", func(c *Context) (any, error) {
		return nil, merr.WrapErrParameterMissing("name")
	})
	s.router.MustRegister("hello", "panic", func(c *Context) (any, error) {
		panic("boom")
	})

	err := s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"fail"}`), nil)
	s.ErrorIs(err, merr.ErrHandlerFailure)
	err = s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"invalid"}`), nil)
	s.ErrorIs(err, merr.ErrHandlerFailure)
	err = s.router.Dispatch(context.Background(), s.sess, []byte(`{"type":"hello","action":"panic"}`), nil)
	s.ErrorIs(err, merr.ErrHandlerFailure)

	envs := s.sess.Envelopes()
	s.Require().Len(envs, 3)
	s.Equal(merr.ErrServiceInternal.Error(), s.errorText(envs[0]))
	s.Contains(s.errorText(envs[1]), "name")
	s.Equal(merr.ErrServiceInternal.Error(), s.errorText(envs[2]))
}

func (s *RouterSuite) TestMustHub() {
	c := &Context{Context: context.Background(), Session: s.sess}
	_, err := c.MustHub()
	s.ErrorIs(err, merr.ErrServiceNotReady)
}

func TestRouter(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}
