package permission

import (
	"errors"
	"fmt"
)

// Check names the kind of permission check that produced a result.
type Check string

const (
	CheckRead     Check = "read"
	CheckWrite    Check = "write"
	CheckDelete   Check = "delete"
	CheckFileSize Check = "file_size"
	CheckCommand  Check = "command"
	CheckTool     Check = "tool"
	CheckNetwork  Check = "network"
)

// Result is the outcome of a permission check. A denial is a value, not an error.
type Result struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason,omitempty"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
	Check                Check  `json:"check"`
	Subject              string `json:"subject,omitempty"`
}

// Err returns a *RejectedError when the result is a denial, nil otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &RejectedError{Check: r.Check, Subject: r.Subject, Message: r.Reason}
}

func allow(check Check, subject string) Result {
	return Result{Allowed: true, Check: check, Subject: subject}
}

func confirm(check Check, subject, reason string) Result {
	return Result{Allowed: true, RequiresConfirmation: true, Check: check, Subject: subject, Reason: reason}
}

func deny(check Check, subject, format string, args ...any) Result {
	return Result{Check: check, Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// RejectedError is returned when permission is denied.
type RejectedError struct {
	Check   Check
	Subject string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("permission denied (%s): %s", e.Check, e.Message)
	}
	return fmt.Sprintf("permission denied (%s %q): %s", e.Check, e.Subject, e.Message)
}

// IsRejectedError checks if an error is, or wraps, a permission rejection.
func IsRejectedError(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
