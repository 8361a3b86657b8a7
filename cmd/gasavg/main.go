package main

import "gasavg/internal/cli"

func main() {
	cli.Execute()
}
