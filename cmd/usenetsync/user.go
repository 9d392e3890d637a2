package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user identities",
}

var userCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new user identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		u, err := eng.CreateUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("User created\n  ID: %s\n  Public key: %x\n", u.ID, u.PublicKey)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userCreateCmd)
}
