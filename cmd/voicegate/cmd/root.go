package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "voicegate",
	Short: "VoiceGate is a voice-verified authentication service",
	Long: `An authentication service combining a PIN with speaker verification.
Logins answer a one-time spoken challenge phrase; the recording is matched
against voiceprints captured at enrollment.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
