// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	stderrors "errors"

	"github.com/pingcap/errors"
)

// Shortcuts of pingcap/errors so that callers only import this package.
var (
	New       = errors.New
	Errorf    = errors.Errorf
	Trace     = errors.Trace
	Annotate  = errors.Annotate
	Annotatef = errors.Annotatef
	Cause     = errors.Cause
	As        = stderrors.As
)

type rfcCoder interface {
	RFCCode() errors.RFCErrorCode
}

// maxChainDepth bounds the walk along a cause chain.
const maxChainDepth = 64

func unwrapOnce(err error) error {
	var next error
	switch e := err.(type) {
	case interface{ Cause() error }:
		next = e.Cause()
	case interface{ Unwrap() error }:
		next = e.Unwrap()
	}
	if next == err {
		return nil
	}
	return next
}

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// RFCCode returns the outermost RFC code found along the cause chain.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	for i := 0; err != nil && i < maxChainDepth; i++ {
		if coder, ok := err.(rfcCoder); ok {
			return coder.RFCCode(), true
		}
		err = unwrapOnce(err)
	}
	return "", false
}

// Is reports whether err matches target. A normalized target matches any
// error along the chain carrying the same RFC code.
func Is(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if rfcTarget, ok := target.(*errors.Error); ok {
		code := rfcTarget.RFCCode()
		for i := 0; err != nil && i < maxChainDepth; i++ {
			if coder, ok := err.(rfcCoder); ok && coder.RFCCode() == code {
				return true
			}
			err = unwrapOnce(err)
		}
		return false
	}
	if stderrors.Is(err, target) {
		return true
	}
	for i := 0; err != nil && i < maxChainDepth; i++ {
		if err == target {
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

// ToErrorCode returns the numeric envelope code and the kind name of err.
// A nil error yields 0.
func ToErrorCode(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	code, ok := RFCCode(err)
	if !ok {
		return CodeInternal, string(ErrInternal.RFCCode())
	}
	if num, ok := errorCodes[code]; ok {
		return num, string(code)
	}
	return CodeInternal, string(code)
}

// IsRetryable returns true for transport-level failures that a component
// may retry inside its own budget.
func IsRetryable(err error) bool {
	if Is(err, ErrJobCancelled) {
		return false
	}
	return Is(err, ErrStoreUnavailable) || Is(err, ErrRemoteTransport)
}
