package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	ErrNotFound        = errors.New("symbol not found")
	ErrOutOfRange      = errors.New("index out of range")
	ErrLastSymbol      = errors.New("cannot remove the last symbol")
	ErrNoIntraday      = errors.New("no intraday source configured")
)

type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchUnreachable       FetchErrorKind = "unreachable"
	FetchMalformedResponse FetchErrorKind = "malformed_response"
	FetchEmptyBatch        FetchErrorKind = "empty_batch"
)

// FetchError is the only error kind a batch fetch returns.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return "fetch " + string(e.Kind)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(kind FetchErrorKind, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsFetchKind reports whether err is a FetchError of the given kind.
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// PartialDataError lists symbols the source omitted from an otherwise
// successful response.
type PartialDataError struct {
	Missing []Symbol
}

func (e *PartialDataError) Error() string {
	return "partial data, missing: " + strings.Join(SymbolStrings(e.Missing), ",")
}

// classify maps transport errors onto FetchError kinds. Errors that are
// already classified pass through.
func classify(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	return &FetchError{Kind: FetchUnreachable, Err: err}
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer")
}
