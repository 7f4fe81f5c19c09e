package errors

import (
	"errors"
	"io"
	"testing"
)

func TestQueryError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		cause  error
	}{
		{"Transport", 0, NewNetworkError("query", io.ErrUnexpectedEOF)},
		{"Status", 503, errors.New("service unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewQueryError("http://pacs/dicom-web/studies", tt.status, tt.cause)

			if err.Status != tt.status {
				t.Errorf("Status = %v, want %v", err.Status, tt.status)
			}
			if !errors.Is(err, tt.cause) {
				t.Error("QueryError should unwrap to its cause")
			}
			if err.Error() == "" {
				t.Error("Error message should not be empty")
			}
		})
	}
}

func TestQueryError_UnwrapsNetworkError(t *testing.T) {
	err := NewQueryError("http://pacs", 0, NewNetworkError("query", io.EOF))

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatal("errors.As should find NetworkError")
	}
	if netErr.Op != "query" {
		t.Errorf("Op = %v, want query", netErr.Op)
	}
	if !errors.Is(err, io.EOF) {
		t.Error("errors.Is should reach io.EOF")
	}
}

func TestFilterParseError(t *testing.T) {
	cause := errors.New("bad layout")
	err := NewFilterParseError("lower-datetime", "yesterday", cause)

	if err.Filter != "lower-datetime" {
		t.Errorf("Filter = %v, want lower-datetime", err.Filter)
	}
	if !errors.Is(err, cause) {
		t.Error("FilterParseError should unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("Error message should not be empty")
	}
}

func TestNetworkError(t *testing.T) {
	innerErr := errors.New("connection refused")
	err := NewNetworkError("dial", innerErr)

	if err.Op != "dial" {
		t.Errorf("Op = %v, want dial", err.Op)
	}

	if !errors.Is(err, innerErr) {
		t.Error("NetworkError should unwrap to inner error")
	}

	errMsg := err.Error()
	if errMsg == "" {
		t.Error("Error message should not be empty")
	}
}

func TestRetrieveError(t *testing.T) {
	cause := errors.New("404")
	err := NewRetrieveError("1.2.3", 2, 10, cause)

	if err.Failed != 2 || err.Total != 10 {
		t.Errorf("Failed/Total = %d/%d, want 2/10", err.Failed, err.Total)
	}
	if !errors.Is(err, cause) {
		t.Error("RetrieveError should unwrap to first failure")
	}
}

func TestIllegalInput(t *testing.T) {
	err := IllegalInput("dataset")

	if !errors.Is(err, ErrIllegalInput) {
		t.Error("IllegalInput should wrap ErrIllegalInput")
	}
}

func TestCommonErrors(t *testing.T) {
	commonErrors := []error{
		ErrIllegalInput,
		ErrTaskExists,
		ErrMissingSubseries,
		ErrSchedulerClosed,
		ErrOperationCanceled,
	}

	for _, err := range commonErrors {
		if err == nil {
			t.Error("Common error should not be nil")
		}
		if err.Error() == "" {
			t.Error("Common error message should not be empty")
		}
	}
}
