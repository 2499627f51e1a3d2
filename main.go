package main

import "github.com/curaious/relay/cmd"

func main() {
	cmd.Execute()
}
