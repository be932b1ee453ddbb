package main

import "github.com/workload-advisor/controller/commands"

func main() {
	commands.Execute()
}
