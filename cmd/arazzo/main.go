package main

import (
	"os"

	"github.com/ronappleton/arazzo-runner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
