package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/logging"
)

// state is shared by every subcommand once the root has loaded config.
type state struct {
	fs      afero.Fs
	cfgFile string
	cfg     *config.Config
	logger  *log.Logger
}

// NewRootCommand returns the bgm command tree operating on fs.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	cobra.EnableCommandSorting = false
	st := &state{fs: fs}

	rootCmd := &cobra.Command{
		Use:   "bgm",
		Short: "Video upload and audio extraction server.",
		Long: `bgm accepts video uploads over HTTP, stores them in date partitions,
extracts the audio track with ffmpeg and serves both for download. Old
artifacts are swept on a schedule.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(st.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st.cfg = cfg
			st.logger = logging.New(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&st.cfgFile, "config", "c", "", "YAML config file (env vars override it)")

	rootCmd.AddCommand(newServeCommand(st))
	rootCmd.AddCommand(newSweepCommand(st))
	rootCmd.AddCommand(newExtractCommand(st))
	rootCmd.AddCommand(newConfigCommand(st))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bgm %s\n", config.Version)
		},
	}
}

func printf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
