package main

import "github.com/MarijnS95/ispc-go/internal/cli"

func main() {
	cli.Execute()
}
