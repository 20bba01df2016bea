package main

import "github.com/tasklane/tasklane/services/resolver/cli"

func main() {
	cli.Execute()
}
