package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/internal/engine"
	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Download a published folder from its share token",
}

var shareDownloadCmd = &cobra.Command{
	Use:   "download TOKEN DEST",
	Short: "Resolve a share token and download its folder into DEST",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, dest := args[0], args[1]
		password, _ := cmd.Flags().GetString("password")
		member, _ := cmd.Flags().GetString("member")
		selectors, _ := cmd.Flags().GetStringSlice("select")

		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		handle, err := eng.DownloadShare(cmd.Context(), token, password, member, dest, selectors)
		if err != nil {
			return err
		}
		fmt.Printf("Download started\n  Handle: %s\n", handle)
		fmt.Println("Poll with: usenetsync queue status " + handle)
		return nil
	},
}

func init() {
	shareCmd.AddCommand(shareDownloadCmd)

	shareDownloadCmd.Flags().String("password", "", "passphrase for a protected share")
	shareDownloadCmd.Flags().String("member", "", "your user_id, for a private share")
	shareDownloadCmd.Flags().StringSlice("select", nil, "only download these relative paths (repeatable); omit for everything")
}

// parseAccessSpec turns the folder publish command's flags into the
// engine's AccessSpec, rejecting combinations that cannot work (a
// protected share with no password, a private share with no members).
func parseAccessSpec(access, password string, members []string, expiresIn time.Duration) (engine.AccessSpec, error) {
	spec := engine.AccessSpec{MemberIDs: members, ExpiresIn: expiresIn}
	switch access {
	case "public":
		spec.Access = model.AccessPublic
	case "protected":
		spec.Access = model.AccessProtected
		if password == "" {
			return spec, usenetsyncerr.New(usenetsyncerr.Usage, "cmd.parseAccessSpec", fmt.Errorf("--password is required for a protected share"))
		}
		spec.Password = password
	case "private":
		spec.Access = model.AccessPrivate
		if len(members) == 0 {
			return spec, usenetsyncerr.New(usenetsyncerr.Usage, "cmd.parseAccessSpec", fmt.Errorf("at least one --member is required for a private share"))
		}
	default:
		return spec, usenetsyncerr.New(usenetsyncerr.Usage, "cmd.parseAccessSpec", fmt.Errorf("unknown --access %q (want public, protected, or private)", access))
	}
	return spec, nil
}
