// Package errors provides structured error types for the memory bridge.
//
// Every error carries the phase of the call protocol where it happened and a
// kind describing what went wrong. Errors compare equal under errors.Is when
// both phase and kind match, so callers can test for a class of failure
// without string matching:
//
//	if errors.Is(err, &memerrors.Error{Phase: memerrors.PhaseExport, Kind: memerrors.KindAddressResolution}) {
//	    // foreign code returned an address the bridge could not map
//	}
//
// # Phases
//
//	alloc    allocating or freeing fixed, relocatable or shadow memory
//	import   rewriting pointers before a foreign call
//	export   acquiring pointer targets after a foreign call
//	context  starting and ending call contexts
//	recover  rebuilding views after linear memory growth
//	layout   validating and computing structure layouts
//	load     loading guest modules and configuration
//	runtime  everything else
//
// # Builder
//
//	err := memerrors.New(memerrors.PhaseImport, memerrors.KindAlignment).
//	    Path("args", "next").
//	    Detail("address %s not aligned to %d", addr, align).
//	    Build()
//
// None of these errors are retried. A partially completed pointer walk cannot
// be resumed, so every error is surfaced to the caller of the foreign
// function.
package errors
