package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/config"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/persist"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or purge persisted snapshots",
	}
	cmd.AddCommand(snapshotShowCmd(), snapshotPurgeCmd())
	return cmd
}

// openAdapter binds a throwaway cache to identity's durable record. The
// returned func releases the adapter, cache and store.
func openAdapter(ctx context.Context, cfg *config.Config, identity string) (*persist.Adapter, func(), error) {
	if identity == "" {
		return nil, nil, errors.New("--identity is required")
	}
	allowed := persist.NewAllowList(cfg.Persistence.AllowedRoots...)
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.Freshness.Policy()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	c := cache.New(cache.Options{Policy: policy})
	adapter, err := persist.NewAdapter(c, persist.Options{
		Store:    store,
		Identity: identity,
		Allowed:  allowed,
		MaxAge:   cfg.Persistence.MaxAge,
	})
	if err != nil {
		c.Close()
		store.Close()
		return nil, nil, err
	}
	return adapter, func() {
		adapter.Close(ctx)
		c.Close()
		store.Close()
	}, nil
}

func snapshotShowCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Decode and list the snapshot stored for an identity",
		Long:  "Decode and list the snapshot stored for an identity. The record is left untouched, including records the daemon would discard on restore.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			adapter, release, err := openAdapter(cmd.Context(), cfg, identity)
			if err != nil {
				return err
			}
			defer release()

			snap, result, err := adapter.Inspect(cmd.Context())
			if err != nil {
				return err
			}
			hash := logging.IdentityHash(identity)
			switch result {
			case persist.ResultAbsent:
				fmt.Printf("No snapshot stored for %s\n", hash)
				return nil
			case persist.ResultCorrupt, persist.ResultVersionMismatch:
				fmt.Printf("Snapshot for %s is unreadable (%s); restore would discard it\n", hash, result)
				return nil
			case persist.ResultOwnerMismatch:
				fmt.Printf("Snapshot under %s belongs to another identity; restore would discard it\n", hash)
				return nil
			case persist.ResultExpired:
				fmt.Printf("Snapshot for %s is older than %s; restore would discard it\n", hash, cfg.Persistence.MaxAge)
			}

			fmt.Printf("Snapshot v%d for %s saved %s (%d entries)\n",
				snap.Version, hash, snap.SavedAt.Format(time.RFC3339), len(snap.Entries))

			keys := make([]string, 0, len(snap.Entries))
			for k := range snap.Entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATUS\tFETCHED\tBYTES\tFAILURES\tERROR")
			for _, k := range keys {
				e := snap.Entries[k]
				fetched := "-"
				if !e.FetchedAt.IsZero() {
					fetched = e.FetchedAt.Format(time.RFC3339)
				}
				errMsg := ""
				if e.Error != nil {
					errMsg = truncate(e.Error.Kind+": "+e.Error.Message, 40)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					truncate(k, 48), e.Status, fetched, len(e.Data), e.FailureCount, errMsg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity whose snapshot to show")
	return cmd
}

func snapshotPurgeCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete the snapshot stored for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			adapter, release, err := openAdapter(cmd.Context(), cfg, identity)
			if err != nil {
				return err
			}
			defer release()

			if err := adapter.Purge(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Snapshot for %s purged\n", logging.IdentityHash(identity))
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity whose snapshot to purge")
	return cmd
}
