// The main package for the linkrelay executable.
package main

import (
	"github.com/JakeFAU/linkrelay/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
