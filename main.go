// The main package for the distscrape executable.
package main

import (
	"github.com/kallsyms/distscrape/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
