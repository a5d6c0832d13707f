// ./main.go
package main

import (
	"github.com/xkilldash9x/browserkit/cmd"
)

// main is the entry point for the browserkit CLI.
func main() {
	cmd.Execute()
}
