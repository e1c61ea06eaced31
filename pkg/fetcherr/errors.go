// Package fetcherr holds the error kinds shared by every resolution step.
// None of them is fatal: the orchestrator turns each into a single message.
package fetcherr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FormatError reports a file that is not a recognized ELF image.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: not a recognized ELF file: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// NotFoundError reports a missing file, module or debug candidate.
type NotFoundError struct {
	Kind   string // "file", "module", "debug file"
	Name   string
	Reason string
	Err    error
}

func (e *NotFoundError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind)
	sb.WriteString(" not found: ")
	sb.WriteString(e.Name)
	if e.Reason != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Reason)
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// PreconditionError reports that the session is not in a state where
// resolution can run: no attached process, or the module is not loaded yet.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Reason, e.Err)
	}
	return "precondition failed: " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// PartialMappingError reports required sections the debug file could not place.
type PartialMappingError struct {
	Module    string
	DebugFile string
	Missing   []string
}

func (e *PartialMappingError) Error() string {
	return fmt.Sprintf("debug file %s lacks required sections [%s] of %s",
		e.DebugFile, strings.Join(e.Missing, " "), e.Module)
}

func IsFormat(err error) bool {
	var target *FormatError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

func IsPartialMapping(err error) bool {
	var target *PartialMappingError
	return errors.As(err, &target)
}

// Kind names the class of err for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsFormat(err):
		return "FormatError"
	case IsNotFound(err):
		return "NotFoundError"
	case IsPrecondition(err):
		return "PreconditionError"
	case IsPartialMapping(err):
		return "PartialMappingError"
	}
	return "Other"
}
