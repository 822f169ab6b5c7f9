package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

func newExtractCommand(st *state) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "extract <video>",
		Short: "Extract the audio track of a stored video",
		Long: `Extract the audio track of one video next to it as mp3. Unlike the
upload path this waits for ffmpeg up to the hard extraction timeout.

Example:
  bgm extract uploads/2025-09-29/2025-09-29_772f9446.mp4 --title "Sunday service"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := st.cfg
			video := args[0]
			if !util.IsVideoExtension(util.ExtensionOf(video)) {
				return fmt.Errorf("%s is not an mp4, avi or mkv file", video)
			}

			runner := services.NewRunner(
				services.WithFFmpegPath(cfg.FFmpegPath),
				services.WithWaitTimeout(cfg.ExtractHardTimeout),
				services.WithHardTimeout(cfg.ExtractHardTimeout),
				services.WithRunnerLogger(st.logger),
			)
			res := runner.Extract(cmd.Context(), video)
			if !res.Success {
				for _, line := range res.Diagnostics {
					st.logger.Debug(line)
				}
				return fmt.Errorf("extraction failed: %w", res.Err)
			}

			if title == "" {
				title = util.DisplayName(video)
			}
			partition, _ := util.ExtractDatePartition(filepath.Base(video))
			if err := services.NewTagger(tagAlbum).Tag(res.Output, services.TrackInfo{Title: title, Partition: partition}); err != nil {
				st.logger.Warn("failed to tag audio", "err", err)
			}

			printf(cmd.OutOrStdout(), "%s (%s)\n", res.Output, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "ID3 title (defaults to the file name)")
	return cmd
}
