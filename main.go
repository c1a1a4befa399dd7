package main

import "github.com/markb/buildboard/cmd"

func main() {
	cmd.Execute()
}
