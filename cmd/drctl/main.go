package main

import "dagrunner/cmd/cli"

func main() {
	cli.Execute()
}
