package main

import "github.com/juanfont/impersonator/cli"

func main() {
	cli.Execute()
}
