// acpbridge connects a chat platform to an ACP coding agent: every chat
// message becomes an agent prompt, replies stream back as live-edited
// messages, and cron or one-time schedules run the agent unattended.
package main

import (
	"os"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
