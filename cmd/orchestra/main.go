// orchestra runs and coordinates AI coding agent sessions.
package main

import (
	"os"

	"orchestra/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
