package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrorType classifies failures that happen before a request is sent.
type ErrorType string

// Pre-execution error types.
const (
	ErrorTypeConfigParsing           ErrorType = "config_parsing_failed"
	ErrorTypeLogFileOpen             ErrorType = "log_file_open_failed"
	ErrorTypePrivilegeDrop           ErrorType = "privilege_drop_failed"
	ErrorTypeRequiredArgumentMissing ErrorType = "required_argument_missing"
	ErrorTypeCommandNotFound         ErrorType = "command_not_found"
	ErrorTypeBrokerStart             ErrorType = "broker_start_failed"
	ErrorTypeSystemError             ErrorType = "system_error"
)

// PreExecutionError is a failure before the elevation request reached the
// broker.
type PreExecutionError struct {
	Type      ErrorType
	Message   string
	Component string
	RunID     string
	Err       error
}

func (e *PreExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v (component: %s, run_id: %s)", e.Type, e.Message, e.Err, e.Component, e.RunID)
	}
	return fmt.Sprintf("%s: %s (component: %s, run_id: %s)", e.Type, e.Message, e.Component, e.RunID)
}

func (e *PreExecutionError) Unwrap() error {
	return e.Err
}

// HandlePreExecutionError reports err to stderr, the default logger and, as a
// single RUN_SUMMARY line, to summary. Errors that are not a
// *PreExecutionError are reported as system errors.
func HandlePreExecutionError(err error, runID string, stderr, summary io.Writer) {
	var pe *PreExecutionError
	if !errors.As(err, &pe) {
		pe = &PreExecutionError{Type: ErrorTypeSystemError, Message: err.Error(), RunID: runID}
	}
	if pe.RunID == "" {
		pe.RunID = runID
	}

	details := pe.Message
	if pe.Err != nil {
		details = fmt.Sprintf("%s: %v", pe.Message, pe.Err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", pe.Type)
	if pe.Component != "" {
		fmt.Fprintf(&b, "  Component: %s\n", pe.Component)
	}
	fmt.Fprintf(&b, "  Details: %s\n", details)
	fmt.Fprintf(&b, "  Run ID: %s\n", pe.RunID)
	_, _ = io.WriteString(stderr, b.String())

	slog.Error("Pre-execution error occurred",
		"error_type", string(pe.Type),
		"error_message", details,
		"component", pe.Component,
		"run_id", pe.RunID)

	_, _ = fmt.Fprintf(summary, "RUN_SUMMARY run_id=%s exit_code=1 status=pre_execution_error error_type=%s\n", pe.RunID, pe.Type)
}
