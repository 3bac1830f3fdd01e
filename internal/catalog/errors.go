package catalog

import "fmt"

// ErrorKind classifies a ToolError.
type ErrorKind int

const (
	// InvalidArgument means the caller sent a bad query. Retrying the
	// same call cannot succeed.
	InvalidArgument ErrorKind = iota + 1
	// BackendUnavailable covers transport failures, timeouts, protocol
	// errors and tool-level error results.
	BackendUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case BackendUnavailable:
		return "backend_unavailable"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ToolError is returned by Gateway operations.
type ToolError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("catalog %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *ToolError) Temporary() bool {
	return e.Kind == BackendUnavailable
}
