package iam

import (
	"errors"
	"fmt"
)

// ErrAuth matches every failure to obtain a bearer token.
var ErrAuth = errors.New("iam: authentication failed")

// AuthError describes why the identity provider did not issue a token.
type AuthError struct {
	Status int
	Msg    string
	Err    error
}

func (e *AuthError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("iam: %s (status %d): %v", e.Msg, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("iam: %s (status %d)", e.Msg, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("iam: %s: %v", e.Msg, e.Err)
	default:
		return "iam: " + e.Msg
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }
