package main

import "github.com/ngld/assetpipe/cmd"

func main() {
	cmd.Execute()
}
