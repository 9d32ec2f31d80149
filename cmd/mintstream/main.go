package main

import (
	"fmt"
	"os"

	"github.com/mintstream/mintstream/cmd/mintstream/cmds"
)

func main() {
	if err := cmds.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
