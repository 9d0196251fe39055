package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camctl/cam/pkg/manifest"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent definitions",
}

var agentApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an agent definition from a YAML manifest",
	Long: `Apply an agent definition from a YAML file.

Example manifest:

  apiVersion: cam/v1
  kind: AgentDefinition
  metadata:
    name: claude-code
    displayName: Claude Code
  spec:
    image: ghcr.io/example/claude-agent:latest
    envVars:
      - name: ANTHROPIC_API_KEY
        required: true
        sensitive: true
    limits:
      memoryMb: 4096`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		filename, _ := cmd.Flags().GetString("file")
		def, err := manifest.LoadAgentDefinition(filename)
		if err != nil {
			return err
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.PutAgentDefinition(def); err != nil {
			return err
		}
		fmt.Printf("Agent definition %s applied\n", def.ID)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		defs, err := store.ListAgentDefinitions()
		if err != nil {
			return err
		}

		fmt.Printf("%-20s  %-30s  %s\n", "ID", "IMAGE", "REQUIRED ENV VARS")
		for _, def := range defs {
			var names []string
			for _, v := range def.RequiredEnvVars {
				if v.Required {
					names = append(names, v.Name)
				}
			}
			fmt.Printf("%-20s  %-30s  %v\n", def.ID, def.DockerImage, names)
		}
		return nil
	},
}

func init() {
	agentApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = agentApplyCmd.MarkFlagRequired("file")

	agentCmd.AddCommand(agentApplyCmd)
	agentCmd.AddCommand(agentListCmd)
}
