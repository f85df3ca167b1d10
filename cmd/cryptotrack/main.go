package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/cryptotrack/internal/app"
)

func main() {
	// ログはstderrに出す（consoleモードの対話出力はstdout）
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cryptotrack: %v\n", err)
		os.Exit(1)
	}
}
