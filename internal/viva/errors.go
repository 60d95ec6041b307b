package viva

import "fmt"

// AuthError indicates the authorization endpoint rejected the configured
// credentials or could not be reached.
type AuthError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("viva auth failed: status=%d %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("viva auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError indicates the gateway API returned a business error or a
// non-ok HTTP status. Code and Text carry the provider's error detail when
// the response included one.
type GatewayError struct {
	Status int
	Code   int
	Text   string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("viva gateway error: code=%d %s", e.Code, e.Text)
	}
	return fmt.Sprintf("viva gateway error: status=%d %s", e.Status, e.Text)
}

func (e *GatewayError) Unwrap() error { return e.Err }
