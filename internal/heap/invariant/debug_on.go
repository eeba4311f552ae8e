//go:build gcheapdebug

package invariant

// Enabled reports whether Assert checks are compiled in.
const Enabled = true
