package main

import "github.com/rudransh-shrivastava/lanchat/internal/cli"

func main() {
	cli.Execute()
}
