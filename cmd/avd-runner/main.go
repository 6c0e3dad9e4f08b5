package main

import "github.com/devicelab-dev/avd-runner/pkg/cli"

func main() {
	cli.Execute()
}
