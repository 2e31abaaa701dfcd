package container

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnauthorized means the registry rejected the credentials.
	ErrUnauthorized = errors.New("registry authentication failed")
	// ErrUnavailable means the registry or daemon could not be reached.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrAlreadyExists means the registry already holds the pushed content.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoBuilder means no container CLI is installed.
	ErrNoBuilder = errors.New("no container builder available")
)

var (
	unauthorizedMarkers = []string{
		"unauthorized",
		"authentication required",
		"denied",
		"incorrect username or password",
		"403 forbidden",
	}
	unavailableMarkers = []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"tls handshake",
		"service unavailable",
		"bad gateway",
		"unexpected eof",
		"cannot connect to the docker daemon",
	}
	existsMarkers = []string{
		"layer already exists",
		"tag already exists",
		"manifest already exists",
	}
	// a gateway status code reported by the registry, not digits inside a digest
	unavailableStatus = regexp.MustCompile(`(?:status|code)[ :=]+50[234]\b`)
)

// classify wraps err with the sentinel matching the CLI's stderr, if any.
func classify(op, stderr string, err error) error {
	msg := strings.ToLower(stderr)
	base := fmt.Errorf("%s failed: %s: %w", op, strings.TrimSpace(stderr), err)
	switch {
	case containsAny(msg, unauthorizedMarkers):
		return fmt.Errorf("%w: %w", ErrUnauthorized, base)
	case containsAny(msg, existsMarkers):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, base)
	case containsAny(msg, unavailableMarkers), unavailableStatus.MatchString(msg):
		return fmt.Errorf("%w: %w", ErrUnavailable, base)
	default:
		return base
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
