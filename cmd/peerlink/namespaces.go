package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veilmesh/peerlink/internal/metrics"
)

func newNamespacesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "Show this node's namespace election activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := readSnapshot(filepath.Join(homeFrom(v), "metrics.json"))
			fmt.Printf("elections won:    %d\n", snap.Namespace.ElectionsWon)
			fmt.Printf("elections joined: %d\n", snap.Namespace.ElectionsJoined)
			fmt.Printf("failovers:        %d\n", snap.Namespace.Failovers)
			fmt.Printf("escalations:      %d\n", snap.Namespace.Escalations)
			fmt.Printf("peer-slot waits:  %d\n", snap.Namespace.PeerSlotWaits)
			fmt.Printf("router checkins handled:  %d\n", snap.Router.CheckinsHandled)
			fmt.Printf("router registry broadcasts: %d\n", snap.Router.RegistryBroadcasts)
			fmt.Printf("router evicted stale:     %d\n", snap.Router.EvictedStale)
			return nil
		},
	}
}

func readSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
