package shared

import "errors"

var (
	// ErrUnauthenticated indicates the request carries no resolvable session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates an authenticated caller that policy denies.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCredentials indicates a password mismatch during sign-in or password change.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCode indicates a challenge code mismatch.
	ErrInvalidCode = errors.New("invalid code")
	// ErrExpired indicates a challenge or session past its expiration.
	ErrExpired = errors.New("expired")
	// ErrConflict indicates a duplicate email on sign-up.
	ErrConflict = errors.New("conflict")
	// ErrNotFound indicates no matching user, session, or challenge row.
	ErrNotFound = errors.New("not found")
	// ErrWeakSecret indicates a password failing the strength policy or confirmation mismatch.
	ErrWeakSecret = errors.New("weak secret")
	// ErrValidation indicates malformed input such as an email that does not normalize.
	ErrValidation = errors.New("validation failed")
)
