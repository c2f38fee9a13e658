// The main package for the newscrawler executable.
package main

import (
	"github.com/JakeFAU/policy-news-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
