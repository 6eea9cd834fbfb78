package main

import (
	"log"

	"github.com/streamfn/orchestrator/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		log.Fatalf("cmd.Execute error: %v", err)
	}
}
