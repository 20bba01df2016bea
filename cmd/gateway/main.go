package main

import "github.com/tasklane/tasklane/services/gateway/cli"

func main() {
	cli.Execute()
}
