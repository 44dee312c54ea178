package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"task-dispatch-service/internal/config"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the candidate scoring policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a policy file and print the effective weights",
	Args:  cobra.MaximumNArgs(1),
	RunE:  checkPolicy,
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func checkPolicy(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		env, err := config.LoadEnv()
		if err != nil {
			return err
		}
		path = env.PolicyFile
	}

	policy, err := config.LoadPolicy(path)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
