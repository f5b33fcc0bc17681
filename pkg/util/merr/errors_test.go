// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrConnectionNotFound("c1")
	errors.Wrap(err, "failed to get connection")
	s.ErrorIs(err, ErrConnectionNotFound)
	s.Equal(Code(ErrConnectionNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain")))

	sameCodeErr := newRealtimeError("new error", ErrConnectionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrConnectionNotFound))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrServiceNotReady("coordinator", "stopped"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceUnavailable("draining"), ErrServiceUnavailable)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)

	s.ErrorIs(WrapErrMalformedMessage("missing type"), ErrMalformedMessage)
	s.ErrorIs(WrapErrUnknownRoute("hello", "wave"), ErrUnknownRoute)
	s.ErrorIs(WrapErrHandlerFailure("hello", "greet", errors.New("boom")), ErrHandlerFailure)
	s.ErrorIs(WrapErrDuplicateRoute("system", "joinRoom"), ErrDuplicateRoute)

	s.ErrorIs(WrapErrDuplicateIdentity("c1"), ErrDuplicateIdentity)
	s.ErrorIs(WrapErrConnectionNotFound("c1", "join room"), ErrConnectionNotFound)
	s.ErrorIs(WrapErrRejectedMutation("__proto__", "reserved key"), ErrRejectedMutation)
	s.ErrorIs(WrapErrNotConnected("ws://peer"), ErrNotConnected)
	s.ErrorIs(WrapErrConnectionClosed("c1"), ErrConnectionClosed)

	s.ErrorIs(WrapErrAuthRejected("token expired"), ErrAuthRejected)
	s.ErrorIs(WrapErrBusUnavailable("redis", errors.New("dial tcp")), ErrBusUnavailable)
	s.ErrorIs(WrapErrWorkerExists("w1"), ErrWorkerExists)

	s.ErrorIs(WrapErrParameterInvalid(8, 1, "failed to create"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidRange(1, 10, 0, "attempts should be in range"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad %s", "room"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("roomName"), ErrParameterMissing)
}

func (s *ErrSuite) TestErrorType() {
	s.Equal(InputError, GetErrorType(WrapErrRejectedMutation("constructor", "reserved key")))
	s.Equal(InputError, GetErrorType(errors.Wrap(WrapErrParameterMissing("roomName"), "join")))
	s.Equal(SystemError, GetErrorType(WrapErrBusUnavailable("nats", nil)))
	s.Equal(SystemError, GetErrorType(errors.New("plain")))

	s.Equal(InputError, GetErrorType(WrapErrAsInputError(ErrServiceInternal)))
}

func (s *ErrSuite) TestMessage() {
	s.Equal("", Message(nil))
	s.Contains(Message(WrapErrParameterMissing("roomName")), "roomName")
	s.Equal(ErrServiceInternal.Error(), Message(errors.New("db password leaked")))
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(ErrBusUnavailable))
	s.True(IsRetryableErr(WrapErrBusUnavailable("redis", errors.New("reset"))))
	s.False(IsRetryableErr(ErrDuplicateRoute))
	s.False(IsRetryableErr(errors.New("plain")))
	s.True(IsCanceledOrTimeout(errors.Wrap(context.Canceled, "stop")))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrUnknownRoute("a", "b"), WrapErrConnectionNotFound("c1"))
	s.Equal(Code(ErrConnectionNotFound), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
