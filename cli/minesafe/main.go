package main

import (
	"os"

	minesafecmder "github.com/papercomputeco/minesafe/cmd/minesafe"
)

func main() {
	cmd := minesafecmder.NewMinesafeCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
