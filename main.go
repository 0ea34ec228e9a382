// The main package for the transparent executable.
package main

import (
	"github.com/JakeFAU/transparent-crawler/cmd"
)

func main() {
	cmd.Execute()
}
