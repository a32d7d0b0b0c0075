package main

import (
	"os"

	"github.com/OVINC-CN/OpenWebUIPlugin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
