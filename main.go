package main

import "github.com/nextlevelbuilder/taskrunner/cmd"

func main() {
	cmd.Execute()
}
