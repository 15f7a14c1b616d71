package cmd

import (
	"github.com/spf13/cobra"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Lists connected clients.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clients, err := client.Clients(cmd.Context())
		if err != nil {
			return err
		}
		renderClients(cmd.OutOrStdout(), clients)
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Lists groups and their member counts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := client.Groups(cmd.Context())
		if err != nil {
			return err
		}
		renderGroups(cmd.OutOrStdout(), groups)
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members <group>",
	Short: "Lists the members of a group.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members, err := client.Members(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderClients(cmd.OutOrStdout(), members)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clientsCmd, groupsCmd, membersCmd)
}
