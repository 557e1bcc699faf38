package main

import (
	"os"

	"github.com/volleyhq/volley/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
