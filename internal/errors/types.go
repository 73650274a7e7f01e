package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors raised by the voting engine.
var (
	// ErrUnknownPollType rejects a poll whose (module, type) has no registered handler.
	ErrUnknownPollType = errors.New("unknown poll type")
	// ErrDuplicateHandler rejects a second registration for the same (module, type).
	ErrDuplicateHandler = errors.New("poll handler already registered")
	// ErrInvalidPoll rejects malformed poll payloads (for example fewer than two options).
	ErrInvalidPoll = errors.New("invalid poll")
	// ErrPollNotFound reports that no metadata exists for a poll.
	ErrPollNotFound = errors.New("poll not found")
	// ErrPollExpired reports that a poll passed its deadline.
	ErrPollExpired = errors.New("poll expired")
)

// RateLimitedError is returned by the platform when a call was rejected for
// exceeding a rate limit. The call must be retried after RetryAfter.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// TransientPlatformError wraps any other platform failure. A single render
// update failing this way is dropped; it never fails a poll.
type TransientPlatformError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *TransientPlatformError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform error: %v", e.Err)
}

func (e *TransientPlatformError) Unwrap() error {
	return e.Err
}

// StorageUnavailableError reports a failed key-value transaction. No partial
// state is observable when it is returned.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable (%s): %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// RepostCooldownError rejects a manual repost requested too early.
type RepostCooldownError struct {
	Remaining time.Duration
}

func (e *RepostCooldownError) Error() string {
	return fmt.Sprintf("repost is on cooldown for another %s", e.Remaining.Round(time.Second))
}

// NewStorageUnavailable wraps err for operation op. It returns nil for a nil err.
func NewStorageUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StorageUnavailableError
	if errors.As(err, &existing) {
		return err
	}
	return &StorageUnavailableError{Op: op, Err: err}
}

// RetryAfter extracts the retry hint from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRateLimited reports whether err is a platform rate-limit rejection.
func IsRateLimited(err error) bool {
	_, ok := RetryAfter(err)
	return ok
}

// IsStorageUnavailable reports whether err came from a failed store transaction.
func IsStorageUnavailable(err error) bool {
	var su *StorageUnavailableError
	return errors.As(err, &su)
}

// IsTransient reports whether err is worth retrying: rate limits, network and
// syscall-level connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	if isNetworkError(err) {
		return true
	}
	return isSyscallError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
		"i/o timeout",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
