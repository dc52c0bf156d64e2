package manager

import (
	"errors"
	"fmt"
)

// ErrCode is one of the public error codes from spec §7; the protocol
// layer renders it verbatim after "-ERR ".
type ErrCode string

const (
	ErrNoAuth      ErrCode = "NOAUTH"
	ErrExists      ErrCode = "EXISTS"
	ErrBadPath     ErrCode = "BADPATH"
	ErrStrategy    ErrCode = "STRATEGY"
	ErrNotFound    ErrCode = "NOTFOUND"
	ErrRateLimited ErrCode = "RATE_LIMITED"
	ErrBadCmd      ErrCode = "BADCMD"
	ErrBadArg      ErrCode = "BADARG"
)

// CmdError pairs a public error code with a human-readable message.
type CmdError struct {
	Code ErrCode
	Msg  string
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Msg)
}

func errf(code ErrCode, format string, args ...interface{}) *CmdError {
	return &CmdError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Kind names the shape of a Result, mirroring the wire prefix alphabet
// (§6) one-to-one so internal/protocol can render a Result without
// re-deriving which prefix applies.
type Kind int

const (
	KindOK Kind = iota
	KindSimple
	KindInt
	KindBulk
	KindNullBulk
	KindArray
	KindError
)

// Result is the manager's verb-agnostic response envelope. Exactly one of
// the fields matching Kind is meaningful.
type Result struct {
	Kind   Kind
	Simple string
	Int    int64
	Bulk   []byte
	Array  []Result
	Err    *CmdError
}

func ok() Result                 { return Result{Kind: KindOK} }
func simple(s string) Result     { return Result{Kind: KindSimple, Simple: s} }
func intResult(n int64) Result   { return Result{Kind: KindInt, Int: n} }
func bulk(b []byte) Result       { return Result{Kind: KindBulk, Bulk: b} }
func nullBulk() Result           { return Result{Kind: KindNullBulk} }
func array(items []Result) Result {
	if items == nil {
		items = []Result{}
	}
	return Result{Kind: KindArray, Array: items}
}

func errResult(code ErrCode, format string, args ...interface{}) Result {
	return Result{Kind: KindError, Err: errf(code, format, args...)}
}

func fromErr(err error) Result {
	var cmdErr *CmdError
	if errors.As(err, &cmdErr) {
		return Result{Kind: KindError, Err: cmdErr}
	}
	return Result{Kind: KindError, Err: errf(ErrBadArg, "%s", err.Error())}
}
