package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Pause, resume, cancel, or inspect an upload/download handle",
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause HANDLE",
	Short: "Stop dispatching new work for a handle; in-flight transfers finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		state, err := eng.Pause(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("State: %s\n", state)
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume HANDLE",
	Short: "Restart a paused or failed upload from its recorded progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		state, err := eng.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("State: %s\n", state)
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel HANDLE",
	Short: "Cancel a handle; it will not be resumable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		state, err := eng.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("State: %s\n", state)
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status HANDLE",
	Short: "Report a handle's state and process-wide transfer counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		item, snap, err := eng.Progress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Handle:     %s\n", item.ID)
		fmt.Printf("State:      %s\n", item.State)
		fmt.Printf("Bytes:      %d / %d\n", item.BytesDone, item.BytesTotal)
		if item.LastError != "" {
			fmt.Printf("Last error: %s\n", item.LastError)
		}
		fmt.Println()
		fmt.Printf("Segments uploaded:   %d\n", snap.SegmentsUploaded)
		fmt.Printf("Segments downloaded: %d\n", snap.SegmentsDownloaded)
		fmt.Printf("Bytes transferred:   %d\n", snap.BytesTransferred)
		fmt.Printf("Articles posted:     %d\n", snap.ArticlesPosted)
		fmt.Printf("Articles fetched:    %d\n", snap.ArticlesFetched)
		fmt.Printf("Retries:             %d\n", snap.RetryCount)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and active upload/download handles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := openEngine(context.Background())
		if err != nil {
			return err
		}
		defer closer()

		items, err := eng.ListQueue(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		for _, item := range items {
			fmt.Printf("%s  %-8s  %-7s  %d/%d bytes\n", item.ID, item.Kind, item.State, item.BytesDone, item.BytesTotal)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queuePauseCmd, queueResumeCmd, queueCancelCmd, queueStatusCmd, queueListCmd)
}
