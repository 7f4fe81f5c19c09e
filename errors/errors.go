// Package errors provides the error taxonomy shared by the query, resolve and
// download layers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrIllegalInput      = errors.New("dicomfetch: illegal input")
	ErrTaskExists        = errors.New("dicomfetch: series already has an active download task")
	ErrMissingSubseries  = errors.New("dicomfetch: download task has no sub-series identifier")
	ErrSchedulerClosed   = errors.New("dicomfetch: scheduler closed")
	ErrOperationCanceled = errors.New("dicomfetch: operation canceled")
)

// QueryError reports a failed query: transport failure, non-success status or
// a malformed response body. It is scoped to a single identifier of a batch.
type QueryError struct {
	URL    string
	Status int // zero when no response was received
	Err    error
}

func (e *QueryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("query %s failed with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("query %s failed: %v", e.URL, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError creates a new query error
func NewQueryError(url string, status int, err error) *QueryError {
	return &QueryError{
		URL:    url,
		Status: status,
		Err:    err,
	}
}

// FilterParseError reports a result filter whose configured value could not
// be parsed. The filter is treated as absent.
type FilterParseError struct {
	Filter string
	Value  string
	Err    error
}

func (e *FilterParseError) Error() string {
	return fmt.Sprintf("invalid %s filter %q: %v", e.Filter, e.Value, e.Err)
}

func (e *FilterParseError) Unwrap() error {
	return e.Err
}

// NewFilterParseError creates a new filter parse error
func NewFilterParseError(filter, value string, err error) *FilterParseError {
	return &FilterParseError{
		Filter: filter,
		Value:  value,
		Err:    err,
	}
}

// NetworkError represents a network-level error
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

// RetrieveError reports a series download in which some instances could not
// be retrieved.
type RetrieveError struct {
	SeriesUID string
	Failed    int
	Total     int
	Err       error // first instance failure
}

func (e *RetrieveError) Error() string {
	return fmt.Sprintf("series %s: %d of %d instances failed: %v", e.SeriesUID, e.Failed, e.Total, e.Err)
}

func (e *RetrieveError) Unwrap() error {
	return e.Err
}

// NewRetrieveError creates a new retrieve error
func NewRetrieveError(seriesUID string, failed, total int, err error) *RetrieveError {
	return &RetrieveError{
		SeriesUID: seriesUID,
		Failed:    failed,
		Total:     total,
		Err:       err,
	}
}

// IllegalInput wraps ErrIllegalInput with the name of the offending argument.
func IllegalInput(what string) error {
	return fmt.Errorf("%w: %s cannot be nil", ErrIllegalInput, what)
}
