// util/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the part of the system that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindConfig
	KindBackup
	KindRestore
	KindDelete
	KindPassword
	KindIO
	KindDirectoryTraversal
	KindEncryptDecrypt
	KindInvalidCompressor
	KindInvalidSnapshotLayout
	KindSerialization
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindCommand:               "Command",
	KindConfig:                "Config",
	KindBackup:                "Backup",
	KindRestore:               "Restore",
	KindDelete:                "Delete",
	KindPassword:              "Password",
	KindIO:                    "IO",
	KindDirectoryTraversal:    "Directory Traversal",
	KindEncryptDecrypt:        "Encryption/Decryption",
	KindInvalidCompressor:     "Compress/Decompress",
	KindInvalidSnapshotLayout: "Invalid Snapshot Layout",
	KindSerialization:         "Serialization",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by snapsafe operations. Err, if
// non-nil, is the underlying cause and is reachable with errors.Is/As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String() + " Error"
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns an *Error of the given kind with a formatted message.
// A %w verb in the format makes the wrapped error the cause.
func Errorf(kind Kind, format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	if cause := errors.Unwrap(err); cause != nil {
		return &Error{Kind: kind, Msg: trimCause(err.Error(), cause.Error()), Err: cause}
	}
	return &Error{Kind: kind, Msg: err.Error()}
}

// WrapError returns err annotated with kind and msg. A nil err stays nil.
// If err already carries a kind, that kind is kept so that the most
// specific classification wins.
func WrapError(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindUnknown {
		kind = k
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func trimCause(s, cause string) string {
	if len(s) >= len(cause) && s[len(s)-len(cause):] == cause {
		s = s[:len(s)-len(cause)]
		for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == ':') {
			s = s[:len(s)-1]
		}
	}
	return s
}
