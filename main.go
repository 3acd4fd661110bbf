package main

import (
	"os"

	"github.com/tracesweep-io/tracesweep/cmd"
)

func main() {
	code := cmd.Execute()
	os.Exit(code)
}
