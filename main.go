// The main package for the prospector executable.
package main

import (
	"os"

	"github.com/atlasintel/prospector/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
