// Package errors provides structured errors for the transport and
// delivery stack.
//
// # Overview
//
// Every failure carries an ErrorCode and an ErrorCategory. Categories
// drive retry decisions: transient failures (CONNECTION, DELIVERY_TIMEOUT)
// are retried by the transport factory, permanent failures (PROTOCOL,
// INVALID_INPUT) are not. Duplicate deliveries are not modeled as errors
// at all; the dispatcher absorbs them silently.
//
// # Usage
//
// Create errors with code-specific constructors:
//
//	err := errors.Connection("broker unreachable",
//	    errors.WithIdentity("agent-a"),
//	    errors.WithCause(dialErr))
//
// Inspect errors without unwrapping manually:
//
//	if errors.IsRetryable(err) {
//	    // schedule another attempt
//	}
//	if errors.Is(err, errors.ErrCodeFallbackUnavailable) {
//	    // no durable path remains; surface to caller
//	}
package errors
