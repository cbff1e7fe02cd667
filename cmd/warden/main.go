package main

import "github.com/warden-ai/warden/internal/cli"

func main() {
	cli.Execute()
}
