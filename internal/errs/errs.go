// Package errs collects the sentinel error kinds shared across the
// analysis pipeline (loader, decoder, analyzer, call graph, composer,
// config). Stage packages wrap these with github.com/pkg/errors so a
// failure's message traces back through the call chain to the address or
// symbol that triggered it, but callers compare against the sentinels
// with errors.Is rather than inspecting message text.
package errs

import "errors"

var (
	// ErrBinaryMalformed means the input is not a valid little-endian
	// 32-bit ARM ELF with a symbol table, or lacks a text section.
	ErrBinaryMalformed = errors.New("binary malformed")

	// ErrDecodeFailed means an instruction word does not match any known
	// Thumbv6-m encoding.
	ErrDecodeFailed = errors.New("decode failed")

	// ErrFunctionUnanalyzable means a decode failure occurred inside a
	// function's address extent, or a block ends without a recognized
	// terminator.
	ErrFunctionUnanalyzable = errors.New("function unanalyzable")

	// ErrStackIndeterminate means the stack pointer was clobbered by a
	// non-constant source, or a loop back-edge violated the zero-delta
	// invariant.
	ErrStackIndeterminate = errors.New("stack depth indeterminate")

	// ErrIndirectCallUnresolved means an indirect branch or call has no
	// resolving dynamic-call hint.
	ErrIndirectCallUnresolved = errors.New("indirect call unresolved")

	// ErrDanglingCall means a direct call targets an address with no
	// corresponding function symbol and no hint.
	ErrDanglingCall = errors.New("dangling call")

	// ErrRecursionDetected means a cycle was found in the call graph.
	ErrRecursionDetected = errors.New("recursion detected")

	// ErrConfigInvalid means the JSON config violates the schema, names
	// an unknown field, or references an unknown symbol.
	ErrConfigInvalid = errors.New("config invalid")
)

// Kind classifies an error into one of the sentinel vocabularies above,
// for exit-code selection and report status columns. It returns nil if err
// doesn't match any known kind.
func Kind(err error) error {
	for _, kind := range []error{
		ErrBinaryMalformed,
		ErrDecodeFailed,
		ErrFunctionUnanalyzable,
		ErrStackIndeterminate,
		ErrIndirectCallUnresolved,
		ErrDanglingCall,
		ErrRecursionDetected,
		ErrConfigInvalid,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Fatal reports whether err should fail an entrypoint's composition
// rather than merely annotate a report row.
func Fatal(err error) bool {
	return Kind(err) != nil
}
