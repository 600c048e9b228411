// Command olleh is the client side: it runs the phases against a server and
// hashes passwords for the server's user table.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "olleh:", err)
		os.Exit(1)
	}
}
