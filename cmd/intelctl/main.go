// intelctl drives the substrate from the terminal: AI generation through the policy engine, credit and state
// inspection, telemetry flushing, and a long-running mode that keeps sync and delivery alive.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
