// Command smtptestd runs the test SMTP server as a standalone process and
// logs every message it receives.
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	// Dispatch to a subcommand before flag parsing so the chosen function
	// owns its flags.
	var subcommand string
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	switch subcommand {
	case "", "serve":
		runServe(os.Args[1:])
	case "check-config":
		runCheckConfig(os.Args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\nusage: smtptestd [serve|check-config] [flags]\n", subcommand)
		os.Exit(1)
	}
}
