// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Classified is implemented by every error type in this package. The
// reliability kernel inspects Retryable to decide on backoff; the API layer
// maps Code to an HTTP status.
type Classified interface {
	error
	Code() string
	Retryable() bool
}

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// CodeOf returns the stable code of the first classified error in err's
// tree, or CodeInternal when the error carries no classification.
func CodeOf(err error) string {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.Code()
	}
	return CodeInternal
}

// IsRetryable reports whether err is classified as safe to retry.
//
// Timeouts, transient failures, and lock conflicts retry. Context
// cancellation never retries regardless of classification. Unclassified
// network errors are treated as transient when they report a timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified Classified
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Classify wraps err with a classification derived from an HTTP status code.
// 429 and 5xx become transient; other 4xx become permanent.
func Classify(statusCode int, err error) error {
	if err == nil && statusCode < 400 {
		return nil
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch {
	case statusCode == 429 || statusCode >= 500:
		return &TransientError{Message: msg, StatusCode: statusCode, Cause: err}
	case statusCode >= 400:
		return &PermanentError{Message: msg, StatusCode: statusCode, Cause: err}
	default:
		return err
	}
}
