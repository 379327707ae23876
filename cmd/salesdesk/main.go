package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/salesdesk/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	// Development mode: re-exec when the binary is rebuilt.
	if os.Getenv("SALESDESK_AUTORESTART") == "1" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "salesdesk:", err)
		os.Exit(1)
	}
}
