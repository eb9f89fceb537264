package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/subsonic/internal/errors"
	"github.com/anstrom/subsonic/internal/logging"
	"github.com/anstrom/subsonic/internal/scheduler"
	"github.com/anstrom/subsonic/internal/session"
)

var (
	watchCron   string
	watchRunNow bool
	watchWords  []string
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch DOMAIN",
	Short: "Re-run a scan on a cron schedule",
	Long: `Keep the connection to the scan server open and start a scan of DOMAIN
every time the cron expression fires. Runs until interrupted.

A run is skipped while the connection is down; the next run fires on schedule.
The expression uses the standard five-field syntax or a descriptor such as
@hourly or "@every 30m".`,
	Example: `  subsonic watch example.com --cron "0 3 * * *"
  subsonic watch example.com --cron "@every 6h" --run-now --metrics`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addScanFlags(watchCmd)

	watchCmd.Flags().StringVar(&watchCron, "cron", "", "Cron expression for the scan schedule")
	watchCmd.Flags().BoolVar(&watchRunNow, "run-now", false, "Start one scan as soon as the connection is up")
	watchCmd.Flags().StringSliceVar(&watchWords, "words", nil, "Inline wordlist (comma-separated)")

	_ = watchCmd.MarkFlagRequired("cron")
	watchCmd.MarkFlagsMutuallyExclusive("words", "wordlist-key")
}

func runWatch(cmd *cobra.Command, args []string) error {
	domain := strings.TrimSpace(args[0])
	if domain == "" {
		return errors.NewConfigFieldError(errors.CodeValidation, "domain must not be empty", "domain", args[0])
	}

	if err := bindScanFlags(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.Default().WithDomain(domain)
	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	job := scheduler.ScanJobConfig{
		Domain:      domain,
		WordlistKey: cfg.Scan.WordlistKey,
		DNSServers:  cfg.Scan.DNSServers,
		Options:     c.scanOptions(),
	}
	if cmd.Flags().Changed("words") {
		job.Words = append([]string{}, watchWords...)
	}

	sched := scheduler.NewScheduler(c.session,
		scheduler.WithLogger(logger.Logger),
		scheduler.WithMetrics(c.recorder),
		scheduler.WithReadyFunc(c.manager.IsConnected))

	jobID, err := sched.AddScanJob(domain, watchCron, job)
	if err != nil {
		return err
	}

	unsubscribe := c.session.Subscribe(doneReporter(cmd.OutOrStdout(), domain))
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, func(ctx context.Context) error {
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		if watchRunNow {
			if err := c.manager.WaitConnected(ctx); err != nil {
				return err
			}
			if err := sched.RunNow(jobID); err != nil {
				return err
			}
		}

		for _, j := range sched.GetJobs() {
			logger.Info("Watching", "schedule", j.CronExpression, "next_run", j.NextRun)
		}

		<-ctx.Done()
		return nil
	})
}

// doneReporter prints one line per finished scan. Repeated done updates and
// result batches arriving after done do not print again.
func doneReporter(w io.Writer, domain string) func(session.Session) {
	var reported string
	return func(s session.Session) {
		if s.Status != session.StatusDone || s.RequestID == reported {
			return
		}
		reported = s.RequestID
		fmt.Fprintf(w, "%s: %d subdomains found", domain, len(s.Results))
		if s.Summary != "" {
			fmt.Fprintf(w, " - %s", s.Summary)
		}
		fmt.Fprintln(w)
	}
}
