package cli

import (
	"github.com/spf13/cobra"

	"github.com/pollhttp/pollhttp/internal/tui"
)

var runWatchFn = func(a *tui.App) error { return a.Run() }

var watchCmd = &cobra.Command{
	Use:   "watch <url>...",
	Short: "Watch requests progress in a live table",
	Long: `Watch issues a request per URL and renders their progress in a live
terminal table: connection state, parse state, byte counters and final
status, refreshed every tick.

Examples:
  # Watch two downloads race
  pollhttp watch http://a.example/big http://b.example/big

  # Issue each URL several times
  pollhttp watch --repeat 5 http://example.com/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringP("method", "X", "GET", "HTTP method")
	watchCmd.Flags().Int("repeat", 1, "number of requests per URL")
	watchCmd.Flags().Bool("insecure", true, "skip TLS certificate verification")
	watchCmd.Flags().Duration("tick", 0, "tick interval (default from config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("method")
	repeat, _ := cmd.Flags().GetInt("repeat")
	insecure, _ := cmd.Flags().GetBool("insecure")
	tick, _ := cmd.Flags().GetDuration("tick")

	if repeat < 1 {
		repeat = 1
	}

	cl, tickInterval, err := newClient(GetConfig(), insecure, tick)
	if err != nil {
		return err
	}

	app := tui.New(cl, tickInterval)
	for _, url := range args {
		for i := 0; i < repeat; i++ {
			app.Issue(method, url)
		}
	}
	return runWatchFn(app)
}
