// ABOUTME: visitor command: start or resume a conversation as a website visitor
// ABOUTME: Prints the conversation ID so the session can be resumed later

package main

import (
	"github.com/spf13/cobra"

	"github.com/2389/coven-support/internal/capability"
)

var resumeID string

var visitorCmd = &cobra.Command{
	Use:   "visitor",
	Short: "Start a conversation as a visitor",
	Long:  "Creates a new conversation, or resumes one with --conversation, and chats as the visitor.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), sessionOptions{
			role:           capability.RoleVisitor,
			conversationID: resumeID,
			in:             cmd.InOrStdin(),
			out:            cmd.OutOrStdout(),
		})
	},
}

func init() {
	rootCmd.AddCommand(visitorCmd)
	visitorCmd.Flags().StringVarP(&resumeID, "conversation", "c", "", "resume an existing conversation")
}
