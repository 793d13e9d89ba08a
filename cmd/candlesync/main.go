package main

import "candle-sync/internal/cli"

func main() {
	cli.Execute()
}
