package main

import "github.com/huddlekit/huddle/cmd"

func main() {
	cmd.Execute()
}
