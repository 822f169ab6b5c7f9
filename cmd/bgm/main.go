package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(afero.NewOsFs()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
