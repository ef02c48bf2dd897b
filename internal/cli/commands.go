package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andreyvit/qdb"
)

var errEmpty = errors.New("index is empty")

func newFnCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fn",
		Short: "Manage keying functions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add [name] [file.wasm]",
		Short: "Register a WebAssembly keying function",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				id, err := db.RegisterFunction(ctx, args[0], code)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	})
	return cmd
}

func newIndexCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage queue indexes",
	}

	add := &cobra.Command{
		Use:   "add [queue] [name] [function]",
		Short: "Create an index and backfill it from the queue",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			modeName, _ := cmd.Flags().GetString("mode")
			mode, err := qdb.ParseMode(modeName)
			if err != nil {
				return err
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				idx, err := db.CreateIndex(ctx, args[0], args[1], args[2], mode)
				if err != nil {
					return err
				}
				n, err := idx.Len()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d entries\n", idx.ID(), n)
				return nil
			})
		},
	}
	add.Flags().String("mode", qdb.OrderedHash.String(), "index mode (ordered, ordered-hash, siphash)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "reindex [queue] [name]",
		Short: "Insert every item of the queue into the index again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				idx, err := db.Index(args[0], args[1])
				if err != nil {
					return err
				}
				n, err := idx.Reindex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d items\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild-registry",
		Short: "Rebuild the index registry from index namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				n, err := db.RebuildRegistry(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d indexes\n", n)
				return nil
			})
		},
	})
	return cmd
}

func newPushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push [queue] [item...]",
		Short: "Add items to a queue and all of its indexes",
		Long:  "Add items to a queue and all of its indexes. Without item arguments, the whole standard input is added as one item.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var items [][]byte
			if len(args) == 1 {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				if opts.Config.Hex {
					raw, err = opts.decodeItem(string(trimNewline(raw)))
					if err != nil {
						return err
					}
				}
				items = append(items, raw)
			}
			for _, s := range args[1:] {
				item, err := opts.decodeItem(s)
				if err != nil {
					return err
				}
				items = append(items, item)
			}

			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				for _, item := range items {
					id, err := db.AddItem(ctx, args[0], item)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [queue] [id]",
		Short: "Print an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				q, err := db.LookupQueue(args[0])
				if err != nil {
					return err
				}
				item, found, err := q.Get(id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("item %d not found in %s", id, args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), opts.formatItem(item))
				return nil
			})
		},
	}
}

func newDelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "del [queue] [id...]",
		Short: "Delete items (index entries are left in place)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []uint64
			for _, s := range args[1:] {
				id, err := parseID(s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				q, err := db.LookupQueue(args[0])
				if err != nil {
					return err
				}
				for _, id := range ids {
					if err := q.Del(id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newNthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nth [queue] [index] [n]",
		Short: "Print the item at 1-based position n of an index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid position %q: %w", args[2], err)
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				idx, err := db.Index(args[0], args[1])
				if err != nil {
					return err
				}
				id, ok, err := idx.Nth(n)
				if err != nil {
					return err
				}
				if !ok {
					return errEmpty
				}
				return opts.printItem(cmd.OutOrStdout(), db, args[0], id)
			})
		},
	}
}

func newPopCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pop [queue] [index]",
		Short: "Remove the smallest entry of an index and print its item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetUint64("nth")
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				idx, err := db.Index(args[0], args[1])
				if err != nil {
					return err
				}
				id, ok, err := idx.PopNth(n)
				if err != nil {
					return err
				}
				if !ok {
					return errEmpty
				}
				return opts.printItem(cmd.OutOrStdout(), db, args[0], id)
			})
		},
	}
	cmd.Flags().Uint64("nth", 1, "1-based position of the entry to pop")
	return cmd
}

func newScanCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [queue]",
		Short: "List items in insertion order, or in index order with --index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexName, _ := cmd.Flags().GetString("index")
			keys, _ := cmd.Flags().GetBool("keys")
			w := cmd.OutOrStdout()
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				q, err := db.LookupQueue(args[0])
				if err != nil {
					return err
				}
				if indexName == "" {
					return q.Scan(func(id uint64, item []byte) error {
						fmt.Fprintf(w, "%d\t%s\n", id, opts.formatItem(item))
						return nil
					})
				}

				idx, err := db.Index(args[0], indexName)
				if err != nil {
					return err
				}
				type entry struct {
					key []byte
					id  uint64
				}
				var entries []entry
				err = idx.Scan(func(key []byte, id uint64) error {
					entries = append(entries, entry{append([]byte(nil), key...), id})
					return nil
				})
				if err != nil {
					return err
				}
				for _, e := range entries {
					item, found, err := q.Get(e.id)
					if err != nil {
						return err
					}
					if keys {
						fmt.Fprintf(w, "%x\t", e.key)
					}
					if found {
						fmt.Fprintf(w, "%d\t%s\n", e.id, opts.formatItem(item))
					} else {
						fmt.Fprintf(w, "%d\t<deleted>\n", e.id)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().String("index", "", "scan this index instead of the queue")
	cmd.Flags().Bool("keys", false, "print index keys (hex) before item ids")
	return cmd
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-queue and per-index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			withMetrics, _ := cmd.Flags().GetBool("metrics")
			w := cmd.OutOrStdout()
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				stats, err := db.Stats()
				if err != nil {
					return err
				}
				for _, qs := range stats {
					fmt.Fprintf(w, "%s\titems=%d\tindex_entries=%d\talloc=%d\n", qs.Name, qs.Items, qs.IndexEntries(), qs.TotalAlloc())
					for _, is := range qs.Indexes {
						fmt.Fprintf(w, "%s.%s\tmode=%v\tentries=%d\talloc=%d\n", qs.Name, is.Name, is.Desc.Mode, is.Entries, is.Alloc)
					}
				}
				if withMetrics {
					db.WriteMetrics(w)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("metrics", false, "also print Prometheus metrics of this invocation")
	return cmd
}

func newDumpCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the database contents for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := qdb.DumpAll
			if headers, _ := cmd.Flags().GetBool("headers-only"); headers {
				flags = qdb.DumpQueueHeaders | qdb.DumpStats | qdb.DumpIndexes
			}
			return opts.withDB(cmd, func(ctx context.Context, db *qdb.DB) error {
				out, err := db.Dump(flags)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().Bool("headers-only", false, "omit items, index entries, names and functions")
	return cmd
}

func (o *RootOptions) printItem(w io.Writer, db *qdb.DB, queue string, id uint64) error {
	q, err := db.LookupQueue(queue)
	if err != nil {
		return err
	}
	item, found, err := q.Get(id)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(w, "%d\t<deleted>\n", id)
		return nil
	}
	fmt.Fprintf(w, "%d\t%s\n", id, o.formatItem(item))
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
