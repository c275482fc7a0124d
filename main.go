package main

import "github.com/chatloom/chatloom/cmd"

func main() {
	cmd.Execute()
}
