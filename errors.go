// SPDX-License-Identifier: Apache-2.0
package kerlberos

import "strings"

type RoutineError uint8
type SupplementaryInfo uint16

const (
	StatusBadMech         RoutineError = iota + 1 // An unsupported mechanism was requested
	StatusBadName                                 // An invalid name was supplied
	StatusBadNameType                             // A supplied name was of an unsupported type
	StatusBadBindings                             // Incorrect channel bindings were supplied
	StatusBadMIC                                  // A token had an invalid MIC
	StatusNoContext                               // No context has been established
	StatusDefectiveToken                          // A token was invalid
	StatusContextExpired                          // The context has expired
	StatusUnavailable                             // The operation or option is unavailable
	StatusFailure                                 // Miscellaneous failure
)

const (
	StatusDuplicateToken SupplementaryInfo = 1 << iota // The token was a duplicate of an earlier token
	StatusOldToken                                     // The token's validity period has expired
	StatusUnseqToken                                   // A later token has already been processed
	StatusGapToken                                     // An expected per-message token was not received
)

// error strings from MIT Kerberos 1.19.1 (lib/gssapi/generic/disp_major_status.c)
func (c RoutineError) String() string {
	return [...]string{
		"An unsupported mechanism was requested",
		"An invalid name was supplied",
		"A supplied name was of an unsupported type",
		"Incorrect channel bindings were supplied",
		"A token had an invalid signature",
		"No context has been established",
		"A token was invalid",
		"The context has expired",
		"The operation or option is not available or unsupported",
		"Unspecified GSS failure",
	}[c-1]
}

func (c SupplementaryInfo) String() string {
	messages := [...]string{
		"The token was a duplicate of an earlier token",
		"The token's validity period has expired",
		"A later token has already been processed",
		"An expected per-message token was not received",
	}

	var strs []string
	for i, t := 0, SupplementaryInfo(1); i < len(messages); i, t = i+1, t<<1 {
		if c&t != 0 {
			strs = append(strs, messages[i])
		}
	}

	return strings.Join(strs, ", ")
}

// Status is the error type used for GSS-level failures.  The routine
// error is set for fatal conditions that leave the context unusable;
// supplementary info bits describe per-message conditions (duplicate,
// gap, out-of-sequence tokens) that leave the context state unchanged
// so the caller may continue using it.
//
// Callers should match with errors.Is against the exported values
// (ErrDefectiveToken, ErrDuplicateToken, ...) rather than comparing
// directly, so that detail messages do not affect matching.
type Status struct {
	Routine RoutineError
	Info    SupplementaryInfo
	Detail  string
}

func (s Status) Error() string {
	var strs []string
	if s.Routine != 0 {
		strs = append(strs, s.Routine.String())
	}
	if s.Info != 0 {
		strs = append(strs, s.Info.String())
	}
	if s.Detail != "" {
		strs = append(strs, s.Detail)
	}

	return "gssapi: " + strings.Join(strs, ": ")
}

// Is matches on the routine error and supplementary bits, ignoring the
// detail message.
func (s Status) Is(target error) bool {
	t, ok := target.(Status)
	if !ok {
		return false
	}

	if t.Routine != 0 && t.Routine != s.Routine {
		return false
	}
	if t.Info != 0 && s.Info&t.Info != t.Info {
		return false
	}

	return t.Routine != 0 || t.Info != 0
}

// Fatal reports whether the error is of a fatal kind: a routine error
// with no supplementary bits.  Such an error leaves the context unusable
// when raised during context establishment; one returned from a
// per-message operation (eg. a defective token or bad MIC) leaves the
// context state unchanged.
func (s Status) Fatal() bool {
	return s.Info == 0
}

var (
	// Fatal context errors
	ErrDefectiveToken = Status{Routine: StatusDefectiveToken}
	ErrBadMech        = Status{Routine: StatusBadMech}
	ErrBadMIC         = Status{Routine: StatusBadMIC}
	ErrNoContext      = Status{Routine: StatusNoContext}

	// Per-message recoverable errors
	ErrDuplicateToken = Status{Info: StatusDuplicateToken}
	ErrGapToken       = Status{Info: StatusGapToken}
	ErrUnseqToken     = Status{Info: StatusUnseqToken}

	// Accessor errors
	ErrNotYetAvailable = Status{Routine: StatusUnavailable}
	ErrBadName         = Status{Routine: StatusBadName}
	ErrBadTargetOID    = Status{Routine: StatusBadNameType}
)

// DefectiveToken returns a defective-token error carrying a reason.
// During context establishment this is fatal; from the per-message
// operations it leaves the context state unchanged.
func DefectiveToken(reason string) Status {
	return Status{Routine: StatusDefectiveToken, Detail: reason}
}

// UnseqToken returns an out-of-sequence token error carrying a reason,
// eg. for the direction-flag mismatch on legacy tokens.
func UnseqToken(reason string) Status {
	return Status{Info: StatusUnseqToken, Detail: reason}
}
