// The main package for the serpqueue executable.
package main

import (
	"github.com/JakeFAU/serpqueue/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
