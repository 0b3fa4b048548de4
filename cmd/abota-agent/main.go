package main

import "github.com/oshokin/abota/cmd/abota-agent/cmd"

func main() {
	cmd.Execute()
}
