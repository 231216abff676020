package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbox-harvester/config"
	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/state"
)

// MissingFile is a registry entry whose file no longer exists.
type MissingFile struct {
	Fingerprint model.Fingerprint
	Path        string
}

// NewStateCmd returns the state subcommand with show and verify.
func NewStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted processed set and file registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print state counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStateConfig(cmd)
			if err != nil {
				return err
			}
			store, err := OpenState(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			counts := store.Counts()
			return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Backend", "Processed messages", "Registered files"},
				{cfg.StateBackend, strconv.Itoa(counts.Processed), strconv.Itoa(counts.Files)},
			}).Render()
		},
	})

	var prune bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Find registered files that vanished from the download directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStateConfig(cmd)
			if err != nil {
				return err
			}
			store, err := OpenState(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			missing, err := VerifyFiles(store.Registry, cfg.DownloadDir)
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				pterm.Success.Println("Every registered file is present")
				return nil
			}
			for _, m := range missing {
				pterm.Warning.Printf("missing %s (%s)\n", m.Path, m.Fingerprint)
			}
			if !prune {
				return fmt.Errorf("%d registered files are missing", len(missing))
			}
			return Prune(cmd.Context(), store, missing)
		},
	}
	verify.Flags().BoolVar(&prune, "prune", false, "Drop missing files from the registry so their content is stored again")
	cmd.AddCommand(verify)

	return cmd
}

// VerifyFiles checks every registered path below root.
func VerifyFiles(reg *state.Registry, root string) ([]MissingFile, error) {
	var missing []MissingFile
	for fp, path := range reg.Snapshot().Files {
		_, err := os.Stat(filepath.Join(root, filepath.FromSlash(path)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, MissingFile{Fingerprint: fp, Path: path})
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	slices.SortFunc(missing, func(a, b MissingFile) int {
		if a.Path < b.Path {
			return -1
		}
		if a.Path > b.Path {
			return 1
		}
		return 0
	})
	return missing, nil
}

// Prune forgets the missing entries and saves the store.
func Prune(ctx context.Context, store *state.Store, missing []MissingFile) error {
	for _, m := range missing {
		store.Forget(m.Fingerprint)
	}
	if err := store.Save(ctx); err != nil {
		return err
	}
	pterm.Success.Printf("Pruned %d entries\n", len(missing))
	return nil
}
