package main

import "market-sentry/internal/cli"

func main() {
	cli.Execute()
}
