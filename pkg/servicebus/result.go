package servicebus

import (
	"errors"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
)

type DispatchResult int

const (
	//The message was handled, the transport acknowledges it.
	Success DispatchResult = iota
	//The message should be redelivered.
	RetryableFailure
	//The message can never succeed and is dead-lettered.
	Fatal
)

func (result DispatchResult) String() string {
	switch result {
	case Success:
		return "success"
	case RetryableFailure:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

/*
Classify maps a dispatch error to the transport outcome. Invalid messages, poison messages and duplicate
correlations are fatal, everything else (lock timeouts, concurrent modifications, handler faults) is retried.
*/
func Classify(err error) DispatchResult {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, saga.ErrDuplicateCorrelation),
		saga.IsPoison(err):
		return Fatal
	default:
		return RetryableFailure
	}
}
