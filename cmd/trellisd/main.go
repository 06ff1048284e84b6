package main

import "github.com/trellisnet/trellisd/internal/cli"

func main() {
	cli.Execute()
}
