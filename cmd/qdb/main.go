package main

import (
	"os"

	"github.com/andreyvit/qdb/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
