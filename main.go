// The main package for the storeharvest executable.
package main

import (
	"os"

	"github.com/JakeFAU/storeharvest/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
