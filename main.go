// The main package for the congreso-crawler executable.
package main

import (
	"github.com/JakeFAU/congreso-crawler/cmd"
)

func main() {
	cmd.Execute()
}
