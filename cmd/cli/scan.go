package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/subsonic/internal/errors"
	"github.com/anstrom/subsonic/internal/logging"
	"github.com/anstrom/subsonic/internal/session"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

var (
	scanWords        []string
	scanWordlistFile string
	scanTimeout      time.Duration
	scanConnectWait  time.Duration
	scanOutput       string
	scanQuiet        bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan DOMAIN",
	Short: "Run one subdomain scan and print the results",
	Long: `Connect to the scan server, start a scan of DOMAIN and follow its progress
until the server reports it done, then print every subdomain found.

The candidate names come from a server-side wordlist (--wordlist-key), an
inline list (--words) or a local file with one name per line (--wordlist-file).`,
	Example: `  subsonic scan example.com
  subsonic scan example.com --wordlist-key top5000 --concurrency 200
  subsonic scan example.com --words www,mail,vpn --dns 1.1.1.1
  subsonic scan example.com --wordlist-file names.txt --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd)

	scanCmd.Flags().StringSliceVar(&scanWords, "words", nil, "Inline wordlist (comma-separated)")
	scanCmd.Flags().StringVar(&scanWordlistFile, "wordlist-file", "", "Local wordlist file sent inline, one name per line")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Give up if the scan has not finished after this long (0 waits forever)")
	scanCmd.Flags().DurationVar(&scanConnectWait, "connect-timeout", 30*time.Second, "How long to wait for the connection before giving up")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", outputTable, "Result format: table, json")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Do not print progress updates")

	scanCmd.MarkFlagsMutuallyExclusive("words", "wordlist-file", "wordlist-key")
}

// addScanFlags registers the scan tuning flags shared by scan and watch.
// They are bound to configuration keys when the command runs.
func addScanFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("wordlist-key", "", "Server-side wordlist to use")
	flags.StringSlice("dns", nil, "DNS servers the scan should query (comma-separated)")
	flags.Int("concurrency", 0, "Concurrent queries")
	flags.Bool("adaptive", true, "Let the server adjust concurrency")
	flags.Int("max-qps", 0, "Upper bound on queries per second (0 = unlimited)")
	flags.Bool("retry", true, "Retry failed names after the main pass")
	flags.Bool("metrics", false, "Expose Prometheus metrics while running")
	flags.String("metrics-addr", "", "Metrics listen address")
}

var scanFlagKeys = map[string]string{
	"wordlist-key": "scan.wordlist_key",
	"dns":          "scan.dns_servers",
	"concurrency":  "scan.concurrency",
	"adaptive":     "scan.adaptive",
	"max-qps":      "scan.max_qps",
	"retry":        "scan.enable_retry",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.listen_addr",
}

// bindScanFlags binds the running command's scan flags. Binding happens at run
// time because scan and watch share configuration keys.
func bindScanFlags(cmd *cobra.Command) error {
	for flag, key := range scanFlagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", flag, err)
		}
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
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

	wordlist, err := resolveWordlist(scanWords, cmd.Flags().Changed("words"), scanWordlistFile, cfg.Scan.WordlistKey)
	if err != nil {
		return err
	}

	logger := logging.Default()
	c, err := newClient(cfg, logger.WithDomain(domain))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	return c.run(ctx, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, scanConnectWait)
		defer cancel()
		if err := c.manager.WaitConnected(connectCtx); err != nil {
			return fmt.Errorf("could not connect to %s: %w", c.manager.Endpoint(), err)
		}

		done := make(chan session.Session, 1)
		unsubscribe := c.session.Subscribe(func(s session.Session) {
			if !scanQuiet && s.Status == session.StatusScanning {
				fmt.Fprintf(stderr, "\r%s", formatProgress(s))
			}
			if s.Status == session.StatusDone {
				select {
				case done <- s:
				default:
				}
			}
		})
		defer unsubscribe()

		requestID := c.session.StartScan(domain, wordlist, cfg.Scan.DNSServers, c.scanOptions())
		scanLog := logger.WithRequestID(requestID)
		scanLog.Debug("Waiting for scan to finish", "domain", domain)

		var timeout <-chan time.Time
		if scanTimeout > 0 {
			timer := time.NewTimer(scanTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case s := <-done:
			if !scanQuiet {
				fmt.Fprintln(stderr)
			}
			scanLog.InfoScan("Scan finished", domain, "results", len(s.Results), "failed", s.FailedCount)
			return printSession(stdout, s, scanOutput)
		case <-timeout:
			return errors.NewConnectionError(errors.CodeTimeout,
				fmt.Sprintf("scan of %s did not finish within %s", domain, scanTimeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// resolveWordlist picks the wordlist for a scan: inline words, then a local
// file, then the server-side key.
func resolveWordlist(words []string, wordsSet bool, file, key string) (session.Wordlist, error) {
	switch {
	case wordsSet:
		return session.InlineWordlist(words...), nil
	case file != "":
		names, err := readWordlistFile(file)
		if err != nil {
			return session.Wordlist{}, err
		}
		return session.InlineWordlist(names...), nil
	default:
		return session.WordlistKey(key), nil
	}
}

// readWordlistFile reads one name per line, skipping blanks and # comments.
func readWordlistFile(path string) ([]string, error) {
	// #nosec G304 - the operator names the file on the command line
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer f.Close()

	names := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist: %w", err)
	}
	return names, nil
}

// formatProgress renders one status line. The server reports progress as a
// fraction of the work done.
func formatProgress(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %5.1f%%", s.Phase, s.Progress*100)
	if s.Message != "" {
		fmt.Fprintf(&b, " %s", s.Message)
	}
	fmt.Fprintf(&b, " | found %d", len(s.Results))
	if s.FailedCount > 0 {
		fmt.Fprintf(&b, " | failed %d", s.FailedCount)
	}
	if s.Phase == session.PhaseRetryScan {
		fmt.Fprintf(&b, " | retrying %d", s.TotalRetrying)
	}
	return b.String()
}

func printSession(w io.Writer, s session.Session, format string) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case outputTable, "":
		if err := renderResults(w, s.Results); err != nil {
			return err
		}
		if s.Summary != "" {
			fmt.Fprintln(w, s.Summary)
		}
		return nil
	default:
		return errors.NewConfigFieldError(errors.CodeValidation, "unknown output format", "output", format)
	}
}

func renderResults(w io.Writer, results []session.Result) error {
	table := tablewriter.NewWriter(w)
	table.Header("Subdomain", "IP Address")
	for _, r := range results {
		if err := table.Append([]string{r.Subdomain, r.IPAddress}); err != nil {
			return err
		}
	}
	return table.Render()
}
