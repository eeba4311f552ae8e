package heap

import (
	"fmt"

	"github.com/kolkov/gcheap/internal/heap/bot"
	"github.com/kolkov/gcheap/internal/heap/invariant"
)

// Version information for the heap core.
const (
	// Version is the current version of the heap core.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the build of the heap core.
type Info struct {
	// Version is the heap core version string.
	Version string

	// BOTEncoding describes the block offset table's jump encoding.
	BOTEncoding string

	// Debug reports whether debug-only invariant checks are compiled in
	// (build tag gcheapdebug).
	Debug bool
}

// GetInfo returns information about the heap core build.
//
// Example:
//
//	info := heap.GetInfo()
//	fmt.Printf("gcheap %s (debug=%v)\n", info.Version, info.Debug)
func GetInfo() Info {
	return Info{
		Version:     Version,
		BOTEncoding: botEncoding(),
		Debug:       invariant.Enabled,
	}
}

func botEncoding() string {
	return fmt.Sprintf("base %d, %d powers", 1<<bot.LogBase, bot.NPowers)
}
