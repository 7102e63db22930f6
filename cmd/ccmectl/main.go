// Command ccmectl operates a Conversation Context Management Engine
// session from the command line: running the facade as a local process
// (serve), inspecting and restoring snapshots, and showing the
// resolved configuration.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
