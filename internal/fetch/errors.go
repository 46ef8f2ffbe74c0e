package fetch

import "errors"

var (
	// ErrExhausted is returned when every strategy failed for a URL.
	ErrExhausted = errors.New("all fetch strategies exhausted")
	// ErrChallengePresent signals an HTTP 403 or a detected challenge page.
	ErrChallengePresent = errors.New("challenge present")
	// ErrSolverUnavailable means no bypass or solver produced a result.
	ErrSolverUnavailable = errors.New("challenge solver unavailable")
	// ErrInvalidRequest marks malformed caller input.
	ErrInvalidRequest = errors.New("invalid fetch request")
	// ErrUnexpectedStatus wraps non-success HTTP statuses inside a strategy.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrBodyTooLarge means a response exceeded the client's body cap.
	ErrBodyTooLarge = errors.New("response body too large")
	// ErrEmptyBody marks a 2xx response that carried no content.
	ErrEmptyBody = errors.New("empty response body")
)
