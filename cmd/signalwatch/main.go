package main

import "market-signal-engine/internal/cli"

func main() {
	cli.Execute()
}
