// The main package for the image-crawler executable.
package main

import (
	"github.com/JakeFAU/image-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
