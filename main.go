package main

import "github.com/usapopopooon/ephemeral-vc/cmd"

func main() {
	cmd.Execute()
}
