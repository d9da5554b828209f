package main

import "termlend/cmd/lendctl/commands"

func main() {
	commands.Execute()
}
