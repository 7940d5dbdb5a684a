package main

import (
	"os"

	"gitlab.com/stephen-fox/ropkit/cmd/ropkit/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
