package main

import "github.com/nextlevelbuilder/clawroute/cmd"

func main() {
	cmd.Execute()
}
