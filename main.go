package main

import "github.com/gitpod-io/pylayer/cmd"

func main() {
	cmd.Execute()
}
