package main

import "github.com/maghams62/auto-mac/cmd"

func main() {
	cmd.Execute()
}
