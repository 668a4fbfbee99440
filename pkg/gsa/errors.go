package gsa

import (
	"errors"
	"fmt"
)

var (
	// ErrIncorrectCredentials covers the identity service's wrong-password
	// family of status codes.
	ErrIncorrectCredentials = errors.New("gsa: incorrect credentials")

	// ErrInvalidAnisetteData means the service rejected the device
	// attestation headers and a fresh anisette bundle is needed.
	ErrInvalidAnisetteData = errors.New("gsa: invalid anisette data")

	// ErrTwoFactorRequired is returned when the account has two-factor
	// enabled but no verification-code provider was configured.
	ErrTwoFactorRequired = errors.New("gsa: two-factor authentication required")

	// ErrIncorrectVerificationCode is returned when a submitted two-factor
	// code is rejected.
	ErrIncorrectVerificationCode = errors.New("gsa: incorrect verification code")

	// ErrHandshakeFailed means the server's key-confirmation proof did not
	// match the session transcript. The session must not be used.
	ErrHandshakeFailed = errors.New("gsa: authentication handshake failed")

	// ErrBadServerResponse covers responses missing fields the protocol
	// requires.
	ErrBadServerResponse = errors.New("gsa: bad server response")

	// ErrTooManyAttempts is returned when the two-factor restart loop
	// exhausts its attempt budget.
	ErrTooManyAttempts = errors.New("gsa: too many authentication attempts")
)

// StatusError is a nonzero identity-service status that has no dedicated
// sentinel. Code and Message come from the server's Status dictionary.
type StatusError struct {
	Code    int64
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gsa: status %d: %s", e.Code, e.Message)
}

// statusToError maps an identity-service status code to the caller-facing
// error. Code 0 is success and maps to nil.
func statusToError(code int64, message string) error {
	switch code {
	case 0:
		return nil
	case -20101, -22406:
		return ErrIncorrectCredentials
	case -22421:
		return ErrInvalidAnisetteData
	case -21669:
		return ErrIncorrectVerificationCode
	default:
		return &StatusError{Code: code, Message: message}
	}
}
