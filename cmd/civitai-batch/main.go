package main

import (
	"go-civitai-batch/cmd/civitai-batch/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
