// Package main implements the gcheap CLI tool.
//
// The gcheap tool drives the heap core from the command line. It can:
//
//  1. Replay the reference scenarios of the heap core and check their
//     outcomes (BOT lookups, remembered-set overflow, resizing, barriers)
//  2. Stress the heap with concurrent mutators while the collector side
//     resizes, refines and verifies at safepoints
//
// Usage:
//
//	gcheap scenario all            # Run every scenario
//	gcheap scenario c -v           # Run scenario C with heap tracing
//	gcheap stress -workers 8       # Stress with 8 mutators
//
// This is the CLI entry point for the heap core.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/gcheap/heap"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "scenario":
		scenarioCommand(os.Args[2:])
	case "stress":
		stressCommand(os.Args[2:])
	case "version", "--version":
		info := heap.GetInfo()
		fmt.Printf("gcheap version %s (BOT %s, debug checks %v)\n", info.Version, info.BOTEncoding, info.Debug)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`gcheap - Generational Old-Space Heap Core

USAGE:
    gcheap <command> [arguments]

COMMANDS:
    scenario   Run reference scenarios (a, b, c, d or all)
    stress     Run concurrent mutators against one heap
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Run every scenario
    gcheap scenario all

    # Run the resize scenario with heap tracing on stderr
    gcheap scenario -v c

    # Stress a 16M heap with 8 mutators and narrow references
    gcheap stress -workers 8 -reserved 16M -refs narrow

ABOUT:
    gcheap is the memory-management core of a generational collector's old
    space: a bump-pointer old generation with a card-table write barrier,
    a block offset table that maps any address to its object, and sparse
    per-region remembered sets filled by card refinement.

    Memory is simulated: the heap reserves a synthetic address range backed
    by ordinary Go memory, so the tool runs anywhere without privileges.

`)
}
