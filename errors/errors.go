package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the call protocol the error occurred
type Phase string

const (
	PhaseAlloc   Phase = "alloc"   // memory allocation and release
	PhaseImport  Phase = "import"  // host to foreign, before the call
	PhaseExport  Phase = "export"  // foreign to host, after the call
	PhaseContext Phase = "context" // call context bookkeeping
	PhaseRecover Phase = "recover" // linear memory growth recovery
	PhaseLayout  Phase = "layout"  // structure descriptions
	PhaseLoad    Phase = "load"    // module and config loading
	PhaseRuntime Phase = "runtime" // runtime operations
)

// Kind categorizes the error
type Kind string

const (
	KindAddressResolution Kind = "address_resolution"
	KindAlignment         Kind = "alignment"
	KindSizeMismatch      Kind = "size_mismatch"
	KindDetachedBuffer    Kind = "detached_buffer"
	KindAllocation        Kind = "allocation"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindNilPointer        Kind = "nil_pointer"
	KindInvalidAddress    Kind = "invalid_address"
	KindInvalidData       Kind = "invalid_data"
	KindUnsupported       Kind = "unsupported"
	KindNotInitialized    Kind = "not_initialized"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInvariant         Kind = "invariant"
	KindTrap              Kind = "trap"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Type   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}

	if e.Detail != "" {
		if e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the member path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Type sets the structure type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// AddressResolution reports an address received from foreign code that maps
// to no known or creatable view.
func AddressResolution(phase Phase, path []string, addr uint64, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAddressResolution,
		Path:   path,
		Detail: fmt.Sprintf("cannot resolve address 0x%x (length %d)", addr, length),
		Value:  addr,
	}
}

// Alignment reports an address that does not satisfy the required alignment.
func Alignment(phase Phase, path []string, addr uint64, align uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlignment,
		Path:   path,
		Detail: fmt.Sprintf("address 0x%x is not aligned to %d", addr, align),
		Value:  addr,
	}
}

// SizeMismatch reports a view whose length does not match the structure.
func SizeMismatch(phase Phase, path []string, typeName string, want, got uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSizeMismatch,
		Path:   path,
		Type:   typeName,
		Detail: fmt.Sprintf("expected %d bytes, view has %d", want, got),
		Value:  got,
	}
}

// DetachedBuffer reports access through a view whose buffer was replaced.
func DetachedBuffer(captured, current uint64) *Error {
	return &Error{
		Phase:  PhaseRecover,
		Kind:   KindDetachedBuffer,
		Detail: fmt.Sprintf("view captured at generation %d, memory is at generation %d", captured, current),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint64, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, offset, length, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) out of bounds (size %d)", offset, offset+length, size),
		Value:  offset,
	}
}

// NilPointer reports an empty pointer where the pointee is required
func NilPointer(phase Phase, path []string, typeName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilPointer,
		Path:   path,
		Type:   typeName,
		Detail: "nil pointer",
	}
}

// InvalidAddress reports the reserved "do not dereference" address pattern.
func InvalidAddress(phase Phase, path []string, addr uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidAddress,
		Path:   path,
		Detail: fmt.Sprintf("reserved invalid address 0x%x", addr),
		Value:  addr,
	}
}

// Invariant reports an internal consistency violation; always a bridge bug.
func Invariant(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
