// Command meshcored ingests Meshtastic traffic from configured interfaces,
// maintains the node and link graph, and runs periodic publisher jobs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
