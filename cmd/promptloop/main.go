package main

import "github.com/vietddude/promptloop/internal/cli"

func main() {
	cli.Execute()
}
