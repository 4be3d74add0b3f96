// Command xstream runs the execution stream control plane, the device agent
// and a local stream benchmark.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "xstream:", err)
		os.Exit(1)
	}
}
