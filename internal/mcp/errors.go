package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
)

// ErrNoDestination is returned when a message has no chat to go to
var ErrNoDestination = errors.New("no chat_id given and no chat is bound yet")

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"token",
	"password",
	"secret",
	"credential",
	"xoxb-",
	"xapp-",
}

// internalErrorPatterns contains substrings that indicate storage or
// transport failures the caller cannot act on
var internalErrorPatterns = []string{
	"sql",
	"database",
	"sqlite",
	"connection refused",
	"no such file",
	"permission denied",
	"context canceled",
	"EOF",
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	// Known domain errors are always safe to return verbatim
	if errors.Is(err, schedule.ErrScheduleNotFound) ||
		errors.Is(err, schedule.ErrInvalidCron) ||
		errors.Is(err, schedule.ErrInvalidSchedule) ||
		errors.Is(err, ErrNoDestination) {
		return err
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(lower) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(err.Error()))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(lower string) bool {
	for _, pattern := range []string{
		"not found",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"in the past",
		"too long",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage keeps short messages and hides long ones
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
