package main

import (
	"fmt"
	"os"

	"github.com/basket/go-afm/internal/config"
)

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: afm init")
		return 2
	}
	path, err := config.WriteDefault(config.HomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("config at %s\n", path)
	return 0
}
