// Command warpgated is the bastion process: it loads a YAML configuration
// file, opens the durable SQLite store, and runs whichever protocol front
// ends the configuration enables. Administrative subcommands (user/ticket/
// target/migrate) operate against the same store without starting any
// listener.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
