package main

import (
	"os"

	"fulfillment/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
