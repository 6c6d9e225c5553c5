// ABOUTME: agent and queue commands for support agents
// ABOUTME: Agents authenticate with an identity token from support-gateway agent-token

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/client"
)

var (
	agentConversation string
	agentToken        string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Join a conversation as a support agent",
	Long:  "Joins an existing conversation as an agent. /close ends the conversation for both sides.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := identityToken()
		if err != nil {
			return err
		}
		return runSession(cmd.Context(), sessionOptions{
			role:           capability.RoleAgent,
			conversationID: agentConversation,
			identity:       token,
			in:             cmd.InOrStdin(),
			out:            cmd.OutOrStdout(),
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List open conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := identityToken()
		if err != nil {
			return err
		}
		api := client.New(serverURL, client.WithIdentityToken(token))
		convs, err := api.ListOpen(cmd.Context())
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No open conversations")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOPENED")
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%s\n", c.ID, c.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(agentCmd, queueCmd)
	agentCmd.Flags().StringVarP(&agentConversation, "conversation", "c", "", "conversation ID to join (required)")
	_ = agentCmd.MarkFlagRequired("conversation")
	for _, cmd := range []*cobra.Command{agentCmd, queueCmd} {
		cmd.Flags().StringVar(&agentToken, "token", "", "agent identity token (default $COVEN_SUPPORT_TOKEN)")
	}
}

func identityToken() (string, error) {
	if agentToken != "" {
		return agentToken, nil
	}
	if token := getToken(); token != "" {
		return token, nil
	}
	return "", errors.New("no agent identity: pass --token or set COVEN_SUPPORT_TOKEN")
}
