package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veilmesh/peerlink/internal/identity"
)

func newKeysCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage this node's long-term keypair",
	}
	cmd.AddCommand(newKeysShowCmd(v))
	return cmd
}

func newKeysShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print this node's fingerprint and public key, generating a keypair on first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeFrom(v)
			if err := os.MkdirAll(home, 0o700); err != nil {
				return fmt.Errorf("create home dir: %w", err)
			}
			id, err := identity.LoadOrGenerate(home)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Printf("fingerprint: %s\n", id.Fingerprint())
			fmt.Printf("public key:  %s\n", hex.EncodeToString(id.PublicKeyBytes()))
			return nil
		},
	}
}
