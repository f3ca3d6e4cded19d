// Command membridge exercises the memory bridge against native memory and
// WebAssembly guests.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
