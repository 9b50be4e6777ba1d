package main

import (
	"os"

	"github.com/gbmerrall/localhttps/internal/cli"
)

var exit = os.Exit

func main() {
	exit(cli.Execute(os.Args[1:]))
}
