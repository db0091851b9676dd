// Command autoinstr inspects and runs the instrumentation agent.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/autoinstr/autoinstr/cmd"
)

func main() {
	cmd.Execute()
	atexit.Exit(0)
}
