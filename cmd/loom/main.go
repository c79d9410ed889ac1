// Command loom is the thin CLI client for the task engine's HTTP API.
package main

import "os"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		// API errors were already rendered by the client; anything else
		// is a local failure cobra has not printed.
		if _, ok := err.(*apiError); !ok {
			renderLocalError(os.Stderr, err)
		}
		os.Exit(1)
	}
}
