package main

import "github.com/avoskan/huddle/cmd/client/cmd"

func main() {
	cmd.Execute()
}
