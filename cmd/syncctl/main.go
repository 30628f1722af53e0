// Command syncctl is an offline-first client: it edits a local replica,
// queues the changes and synchronizes them with syncd.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
}
