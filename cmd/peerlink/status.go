package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last metrics snapshot written by peerlink-noded",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := readSnapshot(filepath.Join(homeFrom(v), "metrics.json"))
			fmt.Println("Local observation summary (not consensus):")
			fmt.Printf("  group: messages_relayed=%d key_rotations=%d kicks=%d files_transferred=%d\n",
				snap.Group.MessagesRelayed, snap.Group.KeyRotations, snap.Group.Kicks, snap.Group.FilesTransferred)
			fmt.Printf("  rendezvous: slugs_activated=%d slugs_rotated=%d reconnects=%d\n",
				snap.Rendezvous.SlugsActivated, snap.Rendezvous.SlugsRotated, snap.Rendezvous.Reconnects)
			fmt.Printf("  siggate: scheduled=%d throttled=%d network_down_events=%d\n",
				snap.SigGate.Scheduled, snap.SigGate.Throttled, snap.SigGate.NetworkDown)
			return nil
		},
	}
}
