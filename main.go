// The main package for the harvest executable.
package main

import (
	"github.com/JakeFAU/harvest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
