package main

import "testheal/cmd"

func main() {
	cmd.Execute()
}
