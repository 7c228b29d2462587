// Package errs holds the error taxonomy shared by every registry component.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) and callers
// match them with errors.Is.
package errs

import (
    "errors"
    "strings"
)

var (
    // ErrNotAvailable reports a missing id, field or entry.
    ErrNotAvailable = errors.New("not available")
    // ErrInvalidState reports a programming error such as a double id
    // assignment or a double lock release.
    ErrInvalidState = errors.New("invalid state")
    // ErrVerificationFailed reports a malformed value, e.g. an empty id.
    ErrVerificationFailed = errors.New("verification failed")
    // ErrRejected is the veto signal of a registry plugin.
    ErrRejected = errors.New("rejected")
    // ErrConsistency reports a handler that could not decide or a fixpoint
    // iteration that did not converge.
    ErrConsistency = errors.New("consistency error")
    // ErrTimeout reports an expired lock or synchronization wait.
    ErrTimeout = errors.New("timeout")
    // ErrShutdown reports a component that was closed while a caller waited.
    ErrShutdown = errors.New("shutdown")
)

var all = []error{ErrNotAvailable, ErrInvalidState, ErrVerificationFailed, ErrRejected, ErrConsistency, ErrTimeout, ErrShutdown}

// FromString maps an error message received over the wire back onto the
// sentinels it was wrapped around; a message naming several matches all of
// them. The original text is kept; unknown messages yield a plain error.
func FromString(msg string) error {
    if msg == "" {
        return nil
    }
    var kinds []error
    for _, s := range all {
        if strings.HasPrefix(msg, s.Error()) || strings.Contains(msg, ": "+s.Error()) {
            kinds = append(kinds, s)
        }
    }
    if len(kinds) == 0 {
        return errors.New(msg)
    }
    return &remoteError{msg: msg, kinds: kinds}
}

type remoteError struct {
    msg   string
    kinds []error
}

func (e *remoteError) Error() string   { return e.msg }
func (e *remoteError) Unwrap() []error { return e.kinds }
