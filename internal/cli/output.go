package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/roach88/swarmlog/internal/event"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (rejected query, node error, etc.)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// EventView is the printed form of an event.
type EventView struct {
	Lamport uint64   `json:"lamport"`
	Stream  string   `json:"stream"`
	Offset  uint64   `json:"offset"`
	Time    uint64   `json:"time"`
	Tags    []string `json:"tags"`
	Payload string   `json:"payload"`
}

func newEventView(e event.Event) EventView {
	return EventView{
		Lamport: uint64(e.Key.Lamport),
		Stream:  e.Key.Stream.String(),
		Offset:  uint64(e.Key.Offset),
		Time:    e.Time,
		Tags:    slices.Clone([]string(e.Tags)),
		Payload: string(e.Payload),
	}
}

func (v EventView) String() string {
	return fmt.Sprintf("%d %s %d [%s] %s", v.Lamport, v.Stream, v.Offset, strings.Join(v.Tags, ","), v.Payload)
}

// EventList prints one event per line.
type EventList []EventView

func (l EventList) String() string {
	lines := make([]string, len(l))
	for i, v := range l {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// OffsetsView is the printed form of swarm offsets.
type OffsetsView struct {
	Present     map[string]uint64 `json:"present"`
	ToReplicate map[string]uint64 `json:"to_replicate"`
}

func newOffsetsView(o event.SwarmOffsets) OffsetsView {
	conv := func(m event.OffsetMap) map[string]uint64 {
		out := make(map[string]uint64, len(m))
		for id, off := range m {
			out[id.String()] = uint64(off)
		}
		return out
	}
	return OffsetsView{Present: conv(o.Present), ToReplicate: conv(o.ReplicationTarget)}
}

func (v OffsetsView) String() string {
	ids := make([]string, 0, len(v.ToReplicate))
	for id := range v.ToReplicate {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var b strings.Builder
	b.WriteString("STREAM PRESENT TARGET")
	for _, id := range ids {
		present := "-"
		if p, ok := v.Present[id]; ok {
			present = fmt.Sprint(p)
		}
		fmt.Fprintf(&b, "\n%s %s %d", id, present, v.ToReplicate[id])
	}
	return b.String()
}
