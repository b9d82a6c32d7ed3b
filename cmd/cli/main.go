// Command chatsync is an offline-first command-line chat client.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
