package main

import "github.com/aussiebroadwan/gatekeeper/cmd/gatekeeper/cmd"

func main() {
	cmd.Execute()
}
