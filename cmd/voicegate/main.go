package main

import "github.com/jmcleod/voicegate/cmd/voicegate/cmd"

func main() {
	cmd.Execute()
}
