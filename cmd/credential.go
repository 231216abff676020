package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbox-harvester/config"
	"github.com/dhcgn/mailbox-harvester/credential"
)

// KeyringSecrets resolves secrets from the OS keyring, opening it on first use.
func KeyringSecrets() config.SecretGetter {
	return config.SecretFunc(func(key string) (string, error) {
		store, err := credential.Open("")
		if err != nil {
			return "", err
		}
		return store.Get(key)
	})
}

// NewCredentialCmd returns the credential subcommand. open yields the keyring
// to write to.
func NewCredentialCmd(open func() (*credential.Store, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password stored in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the password for --imap-user on --imap-host (read from stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := imapKey(cmd)
			if err != nil {
				return err
			}
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Set(key, password); err != nil {
				return err
			}
			pterm.Success.Printf("Stored credential %s\n", key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the password for --imap-user on --imap-host",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := imapKey(cmd)
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Delete(key); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted credential %s\n", key)
			return nil
		},
	})

	return cmd
}

func imapKey(cmd *cobra.Command) (string, error) {
	host, err := cmd.Flags().GetString("imap-host")
	if err != nil {
		return "", err
	}
	user, err := cmd.Flags().GetString("imap-user")
	if err != nil {
		return "", err
	}
	if host == "" || user == "" {
		return "", fmt.Errorf("--imap-host and --imap-user are required")
	}
	return credential.IMAPKey(user, host), nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	return password, nil
}
