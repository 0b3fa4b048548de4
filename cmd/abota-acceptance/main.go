package main

import "github.com/oshokin/abota/cmd/abota-acceptance/cmd"

func main() {
	cmd.Execute()
}
