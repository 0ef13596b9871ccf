// Command peerlink is the operator CLI over a peerlink node's home
// directory: local identity, address book, and a queue of group
// intents (peerlink-noded does not read the address book or the
// intent queue). Grounded on
// gezibash-arc-node's cmd/arc cobra/viper root command tree.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".peerlink")
}

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "peerlink",
		Short: "Manage a peerlink node's identity, contacts, and groups",
	}

	rootCmd.PersistentFlags().String("home", defaultHome(), "node data directory")
	_ = v.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))

	rootCmd.AddCommand(newKeysCmd(v))
	rootCmd.AddCommand(newContactsCmd(v))
	rootCmd.AddCommand(newGroupsCmd(v))
	rootCmd.AddCommand(newNamespacesCmd(v))
	rootCmd.AddCommand(newStatusCmd(v))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func homeFrom(v *viper.Viper) string {
	h := v.GetString("home")
	if h == "" {
		return defaultHome()
	}
	return h
}
