package main

import "github.com/ppiankov/aegisforge/internal/cli"

func main() {
	cli.Execute()
}
