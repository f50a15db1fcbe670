package main

import "github.com/conneroisu/splitgen/cmd"

func main() {
	cmd.Execute()
}
