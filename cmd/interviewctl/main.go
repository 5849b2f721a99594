// Package main is the interviewctl command.
package main

import "github.com/aura-interview/voice-engine/internal/cli"

func main() {
	cli.Execute()
}
