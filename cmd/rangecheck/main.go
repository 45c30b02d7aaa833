// Command rangecheck issues a single Range request against a stream endpoint
// and verifies that the response is self-consistent.
package main

import (
	"net/http"
	"os"
)

func main() {
	cmd := newRootCommand(http.DefaultClient)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
