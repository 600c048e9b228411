// Command ollehd runs the session server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ollehd:", err)
		os.Exit(1)
	}
}
