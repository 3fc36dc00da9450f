// Command cgfetch fetches market data through the request cache.
package main

import (
	"fmt"
	"os"
)

// For testing
var osExit = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}
