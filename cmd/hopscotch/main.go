// Command hopscotch is the supervision CLI: the watcher daemon, the agent
// process, and the operator tools around them.
package main

import (
	"os"

	"github.com/kilupskalvis/hopscotch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
