// Command revindex manages a revision-controlled document index.
package main

import (
	"os"

	"github.com/kilupskalvis/revindex/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
