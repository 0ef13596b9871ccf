package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veilmesh/peerlink/internal/store"
)

// groupIntent is one append-only entry in group_intents.jsonl: a
// group action recorded in the home directory, the same file-based
// record style the teacher's own cmd/web4 uses against its store's
// on-disk records instead of a control-plane RPC. peerlink-noded does
// not read this file, so a queued intent is recorded, not carried out.
type groupIntent struct {
	Kind        string `json:"kind"` // create, invite, kick, leave
	GroupID     string `json:"group_id"`
	Name        string `json:"name,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason,omitempty"`
	QueuedUnix  int64  `json:"queued_unix"`
}

func groupIntentsPath(home string) string {
	return filepath.Join(home, "group_intents.jsonl")
}

func queueIntent(home string, in groupIntent) error {
	in.QueuedUnix = time.Now().Unix()
	return store.AppendJSONL(groupIntentsPath(home), in)
}

func newGroupsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Queue group membership actions in group_intents.jsonl",
	}
	cmd.AddCommand(newGroupsCreateCmd(v))
	cmd.AddCommand(newGroupsInviteCmd(v))
	cmd.AddCommand(newGroupsKickCmd(v))
	cmd.AddCommand(newGroupsLeaveCmd(v))
	cmd.AddCommand(newGroupsListCmd(v))
	return cmd
}

func newGroupsCreateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Queue creation of a new group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid := uuid.NewString()
			if err := queueIntent(homeFrom(v), groupIntent{Kind: "create", GroupID: gid, Name: args[0]}); err != nil {
				return fmt.Errorf("queue create: %w", err)
			}
			fmt.Printf("queued group %q id=%s\n", args[0], gid)
			return nil
		},
	}
}

func newGroupsInviteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <group-id> <fingerprint>",
		Short: "Queue an invite for a contact into a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := queueIntent(homeFrom(v), groupIntent{Kind: "invite", GroupID: args[0], Fingerprint: args[1]}); err != nil {
				return fmt.Errorf("queue invite: %w", err)
			}
			fmt.Printf("queued invite of %s into %s\n", args[1], args[0])
			return nil
		},
	}
}

func newGroupsKickCmd(v *viper.Viper) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kick <group-id> <fingerprint>",
		Short: "Queue removal of a member from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := queueIntent(homeFrom(v), groupIntent{Kind: "kick", GroupID: args[0], Fingerprint: args[1], Reason: reason}); err != nil {
				return fmt.Errorf("queue kick: %w", err)
			}
			fmt.Printf("queued kick of %s from %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the kick notice")
	return cmd
}

func newGroupsLeaveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <group-id>",
		Short: "Queue leaving a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := queueIntent(homeFrom(v), groupIntent{Kind: "leave", GroupID: args[0]}); err != nil {
				return fmt.Errorf("queue leave: %w", err)
			}
			fmt.Printf("queued leaving %s\n", args[0])
			return nil
		},
	}
}

func newGroupsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every queued group action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return store.ScanJSONL(groupIntentsPath(homeFrom(v)), func(line []byte) error {
				var in groupIntent
				if err := json.Unmarshal(line, &in); err != nil {
					return nil
				}
				fmt.Printf("%s group=%s fingerprint=%s name=%s\n", in.Kind, in.GroupID, in.Fingerprint, in.Name)
				return nil
			})
		},
	}
}
