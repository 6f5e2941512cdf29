// Package main is the single-binary entrypoint for PharmaQ.
package main

import "github.com/pharmaq-ai/pharmaq/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
