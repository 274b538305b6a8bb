package main

import (
	"fmt"
	"os"

	"github.com/accessvision/tilenet/errors"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(errors.ExitCode(err))
	}
}
