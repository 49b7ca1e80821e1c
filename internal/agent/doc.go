// Package agent runs one named pipeline agent against a typed input through
// the external capability and records the outcome as an immutable Run. The
// executor never returns an error: timeouts, capability failures, malformed
// output and panics all become unsuccessful runs with zero confidence.
package agent
