// Command farmd is the farmsync device daemon and its maintenance tools.
//
//	farmd serve                                  run the HTTP API and live session
//	farmd classify --uid UID                     print the risk summary for a farmer
//	farmd migrate --email EMAIL                  run the legacy migration for an account
//	farmd legacy import --farm-id ID --file F    stage a single-tenant farm record
//
// Settings come from --config (YAML) and FARMD_* environment variables; see
// internal/config.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
