package domain

import "errors"

// ErrNoSecurityDefinition is returned when the gateway answers a contract
// lookup with zero matches. This is a terminal outcome: the instrument does
// not exist in this form and retrying the same descriptor cannot succeed.
var ErrNoSecurityDefinition = errors.New("no security definition found")

// ErrNoHeadTimestamp is returned when every bar source in a sweep answered
// empty. Like a zero-match lookup, this is terminal for the descriptor.
var ErrNoHeadTimestamp = errors.New("no head timestamp available")

// ErrTimeout marks a remote call that ran out of time. Timeouts are
// retryable with a short fixed delay rather than exponential backoff.
var ErrTimeout = errors.New("request timed out")
