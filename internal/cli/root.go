package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/qdb"
)

// RootOptions holds state shared by all commands of one invocation.
type RootOptions struct {
	v      *viper.Viper
	Config *Config
}

// NewRootCommand creates the root command of the qdb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "qdb",
		Short: "embedded multi-queue store",
		Long: `qdb stores items in named queues and keeps them ordered in secondary
indexes whose keys are computed by sandboxed WebAssembly keying functions.

Flags can also be set through QDB_<FLAG> environment variables
(e.g. QDB_DB=/var/lib/jobs.db) or .env / .env.local files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFiles(); err != nil {
				return err
			}
			c, err := loadConfig(opts.v, cmd)
			if err != nil {
				return err
			}
			opts.Config = c
			return nil
		},
	}
	addConfigFlags(cmd)

	cmd.AddCommand(newFnCommand(opts))
	cmd.AddCommand(newIndexCommand(opts))
	cmd.AddCommand(newPushCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newDelCommand(opts))
	cmd.AddCommand(newNthCommand(opts))
	cmd.AddCommand(newPopCommand(opts))
	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func (o *RootOptions) withDB(cmd *cobra.Command, f func(ctx context.Context, db *qdb.DB) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := o.Config.open(ctx, o.Config.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close(ctx))
	}()
	return f(ctx, db)
}

func (o *RootOptions) decodeItem(s string) ([]byte, error) {
	if !o.Config.Hex {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex item %q: %w", s, err)
	}
	return b, nil
}

func (o *RootOptions) formatItem(item []byte) string {
	if o.Config.Hex {
		return hex.EncodeToString(item)
	}
	return string(item)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
