package revdb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrIO reports a block store or sentinel file failure. It is fatal to the
	// transaction that hit it.
	ErrIO = errors.New("i/o error")

	// ErrCorrupted reports a record or page that should exist but cannot be
	// resolved. Corruption is a kind of ErrIO.
	ErrCorrupted = fmt.Errorf("%w: store corrupted", ErrIO)

	// ErrIllegalState reports API misuse, like removing a record that does not exist.
	ErrIllegalState = errors.New("illegal state")

	// ErrClosed is returned by any operation on a closed transaction or resource.
	ErrClosed = fmt.Errorf("%w: already closed", ErrIllegalState)

	// ErrPublishedWithErrors is returned by Commit when the revision became
	// durable but a later step failed. The revision survives recovery.
	ErrPublishedWithErrors = errors.New("revision published, commit cleanup failed")

	ErrNoSuchRevision = errors.New("no such revision")
	ErrNoSuchIndex    = errors.New("no such index")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// PageError describes a failure to load or store a page.
type PageError struct {
	Op  string
	Key int64
	Msg string
	Err error
}

func pageErrf(op string, key int64, err error, format string, args ...any) error {
	return &PageError{op, key, fmt.Sprintf(format, args...), err}
}

func (e *PageError) Unwrap() error {
	return e.Err
}

func (e *PageError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	buf.WriteString(" page ")
	if e.Key == NullKey {
		buf.WriteString("<unassigned>")
	} else {
		buf.WriteString(strconv.FormatInt(e.Key, 10))
	}
	appendErrMsg(&buf, e.Msg, e.Err)
	return buf.String()
}

// RecordError describes a failed record operation within a subtree.
type RecordError struct {
	Kind  SubtreeKind
	Index int
	Key   int64
	Msg   string
	Err   error
}

func recordErrf(kind SubtreeKind, index int, key int64, err error, format string, args ...any) error {
	return &RecordError{kind, index, key, fmt.Sprintf(format, args...), err}
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Kind.String())
	if e.Kind != RecordSubtree {
		buf.WriteByte('.')
		buf.WriteString(strconv.Itoa(e.Index))
	}
	buf.WriteByte('/')
	buf.WriteString(strconv.FormatInt(e.Key, 10))
	appendErrMsg(&buf, e.Msg, e.Err)
	return buf.String()
}

func appendErrMsg(buf *strings.Builder, msg string, err error) {
	if msg != "" {
		buf.WriteString(": ")
		buf.WriteString(msg)
		if err != nil {
			buf.WriteString(": ")
			buf.WriteString(err.Error())
		}
	} else if err != nil {
		buf.WriteString(": ")
		buf.WriteString(err.Error())
	}
}

func ioErr(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func corruptedErr(err error) error {
	if err == nil || errors.Is(err, ErrCorrupted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorrupted, err)
}
