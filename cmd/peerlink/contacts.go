package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veilmesh/peerlink/internal/store"
)

// contactRecord is one append-only entry in contacts.jsonl: the local
// address book this CLI keeps in the home directory. Later records
// for the same fingerprint supersede earlier ones when listed.
// peerlink-noded does not read this file.
type contactRecord struct {
	Fingerprint  string `json:"fingerprint"`
	PubKeyHex    string `json:"pub_key_hex"`
	Addr         string `json:"addr,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	AddedUnix    int64  `json:"added_unix"`
}

func contactsPath(home string) string {
	return filepath.Join(home, "contacts.jsonl")
}

func newContactsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the local address book",
	}
	cmd.AddCommand(newContactsAddCmd(v))
	cmd.AddCommand(newContactsListCmd(v))
	return cmd
}

func newContactsAddCmd(v *viper.Viper) *cobra.Command {
	var addr, name string
	cmd := &cobra.Command{
		Use:   "add <fingerprint> <public-key-hex>",
		Short: "Record a contact's fingerprint and public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, pubHex := args[0], args[1]
			if _, err := hex.DecodeString(pubHex); err != nil {
				return fmt.Errorf("public key must be hex: %w", err)
			}
			rec := contactRecord{
				Fingerprint:  fp,
				PubKeyHex:    pubHex,
				Addr:         addr,
				FriendlyName: name,
				AddedUnix:    time.Now().Unix(),
			}
			if err := store.AppendJSONL(contactsPath(homeFrom(v)), rec); err != nil {
				return fmt.Errorf("record contact: %w", err)
			}
			fmt.Printf("added contact %s\n", fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "last-known address, if any")
	cmd.Flags().StringVar(&name, "name", "", "friendly name")
	return cmd
}

func newContactsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			latest := make(map[string]contactRecord)
			var order []string
			err := store.ScanJSONL(contactsPath(homeFrom(v)), func(line []byte) error {
				var rec contactRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return nil
				}
				if _, ok := latest[rec.Fingerprint]; !ok {
					order = append(order, rec.Fingerprint)
				}
				latest[rec.Fingerprint] = rec
				return nil
			})
			if err != nil {
				return fmt.Errorf("read contacts: %w", err)
			}
			for _, fp := range order {
				rec := latest[fp]
				fmt.Printf("%s addr=%q name=%q\n", rec.Fingerprint, rec.Addr, rec.FriendlyName)
			}
			return nil
		},
	}
}
