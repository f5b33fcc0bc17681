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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady    = newRealtimeError("service not ready", 1, true) // coordinator not started or already stopped
	ErrServiceUnavailable = newRealtimeError("service unavailable", 2, true)
	ErrServiceInternal    = newRealtimeError("service internal error", 5, false)

	// Message related
	ErrMalformedMessage = newRealtimeError("malformed message", 100, false, WithErrorType(InputError))
	ErrUnknownRoute     = newRealtimeError("unknown route", 101, false, WithErrorType(InputError))
	ErrHandlerFailure   = newRealtimeError("handler failure", 102, false)
	ErrDuplicateRoute   = newRealtimeError("duplicate route", 103, false)

	// Connection related
	ErrDuplicateIdentity  = newRealtimeError("duplicate connection identity", 200, false)
	ErrConnectionNotFound = newRealtimeError("connection not found", 201, false)
	ErrRejectedMutation   = newRealtimeError("rejected attribute mutation", 202, false, WithErrorType(InputError))
	ErrNotConnected       = newRealtimeError("not connected", 203, true)
	ErrConnectionClosed   = newRealtimeError("connection closed", 204, false)

	// Auth related
	ErrAuthRejected = newRealtimeError("authentication rejected", 300, false, WithErrorType(InputError))

	// Bus related
	ErrBusUnavailable = newRealtimeError("fan-out bus unavailable", 400, true)

	// Worker related
	ErrWorkerExists = newRealtimeError("worker already registered", 500, true)

	// Parameter related
	ErrParameterInvalid = newRealtimeError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing = newRealtimeError("missing parameter", 1101, false, WithErrorType(InputError))

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to realtimeError
	errUnexpected = newRealtimeError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*realtimeError)

func WithDetail(detail string) errorOption {
	return func(err *realtimeError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *realtimeError) {
		err.errType = etype
	}
}

type realtimeError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newRealtimeError(msg string, code int32, retriable bool, options ...errorOption) realtimeError {
	err := realtimeError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e realtimeError) code() int32 {
	return e.errCode
}

func (e realtimeError) Error() string {
	return e.msg
}

func (e realtimeError) Detail() string {
	return e.detail
}

func (e realtimeError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(realtimeError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
