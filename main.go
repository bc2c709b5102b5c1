package main

import "github.com/nextlevelbuilder/omniclaw/cmd"

func main() {
	cmd.Execute()
}
