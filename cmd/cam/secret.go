package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/camctl/cam/pkg/secrets"
	"github.com/camctl/cam/pkg/security"
	"github.com/camctl/cam/pkg/types"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage env-var secrets",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store an env-var value, encrypted with CAM_MASTER_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		masterKey := os.Getenv("CAM_MASTER_KEY")
		if masterKey == "" {
			return fmt.Errorf("CAM_MASTER_KEY must be set")
		}
		manager, err := security.NewSecretsManagerFromMasterKey(masterKey)
		if err != nil {
			return err
		}

		value, _ := cmd.Flags().GetString("value")
		if value == "" {
			fmt.Fprint(os.Stderr, "Value: ")
			data, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			value = string(data)
		}
		if value == "" {
			return fmt.Errorf("empty value")
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		repo, _ := cmd.Flags().GetString("repo")
		agent, _ := cmd.Flags().GetString("agent")

		resolver := secrets.NewStoreResolver(store, manager)
		err = resolver.Set(args[0], value, types.EnvVarScope{
			RepositoryID:      repo,
			AgentDefinitionID: agent,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Secret %s stored\n", args[0])
		return nil
	},
}

func init() {
	secretSetCmd.Flags().String("value", "", "Value (prompted when omitted)")
	secretSetCmd.Flags().String("repo", "", "Scope to a repository id")
	secretSetCmd.Flags().String("agent", "", "Scope to an agent definition id")

	secretCmd.AddCommand(secretSetCmd)
}
