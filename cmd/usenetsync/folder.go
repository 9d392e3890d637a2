package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Index, upload, and publish folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Register a local folder for publishing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		folderID, err := eng.AddFolder(cmd.Context(), args[0], owner)
		if err != nil {
			return err
		}
		fmt.Printf("Folder registered\n  ID: %s\n", folderID)
		return nil
	},
}

var folderIndexCmd = &cobra.Command{
	Use:   "index FOLDER_ID",
	Short: "Scan a registered folder's path and record its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		stats, err := eng.IndexFolder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d files (%d bytes)\n", stats.FileCount, stats.TotalBytes)
		return nil
	},
}

var folderUploadCmd = &cobra.Command{
	Use:   "upload FOLDER_ID",
	Short: "Segment, encrypt, and post every file in a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		if err := eng.CheckServer(cmd.Context()); err != nil {
			return err
		}
		handle, err := eng.UploadFolder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Upload started\n  Handle: %s\n", handle)
		fmt.Println("Poll with: usenetsync queue status " + handle)
		return nil
	},
}

var folderPublishCmd = &cobra.Command{
	Use:   "publish FOLDER_ID",
	Short: "Build and post the Core Index, returning a share token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		access, _ := cmd.Flags().GetString("access")
		password, _ := cmd.Flags().GetString("password")
		members, _ := cmd.Flags().GetStringSlice("member")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")

		spec, err := parseAccessSpec(access, password, members, expiresIn)
		if err != nil {
			return err
		}

		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		token, err := eng.PublishFolder(cmd.Context(), args[0], spec)
		if err != nil {
			return err
		}
		fmt.Printf("Published\n  Share token: %s\n", token)
		return nil
	},
}

func init() {
	folderCmd.AddCommand(folderAddCmd, folderIndexCmd, folderUploadCmd, folderPublishCmd)

	folderAddCmd.Flags().String("owner", "", "owning user_id (required)")
	folderAddCmd.MarkFlagRequired("owner")

	folderPublishCmd.Flags().String("access", "public", "access type: public, protected, or private")
	folderPublishCmd.Flags().String("password", "", "passphrase for a protected share")
	folderPublishCmd.Flags().StringSlice("member", nil, "allowed user_id for a private share (repeatable)")
	folderPublishCmd.Flags().Duration("expires-in", 0, "optional share lifetime, e.g. 720h (0 means never)")
}
