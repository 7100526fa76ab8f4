// Command chatload drives simulated users against a running chat server.
//
//	chatload seed      write load-test credentials into the Redis directory
//	chatload saturate  hold N joined connections open
//	chatload fanout    measure region fan-out latency
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/festival/regionchat/internal/directory"
	"github.com/festival/regionchat/internal/loadtest"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/session"
)

type commonFlags struct {
	url         string
	metricsURL  string
	tokenFormat string
	users       int
	regions     string
	concurrency int
	ramp        time.Duration
}

func (f *commonFlags) tokens() []string {
	out := make([]string, f.users)
	for i := range out {
		out[i] = fmt.Sprintf(f.tokenFormat, i)
	}
	return out
}

func (f *commonFlags) regionList() []string {
	var out []string
	for _, r := range strings.Split(f.regions, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func main() {
	var flags commonFlags
	rootCmd := &cobra.Command{
		Use:          "chatload",
		Short:        "Load generator for the regional chat server",
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	pf.StringVar(&flags.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint to scrape (empty disables)")
	pf.StringVar(&flags.tokenFormat, "token-format", "load-%d", "Credential pattern, %d is the user index")
	pf.IntVarP(&flags.users, "users", "n", 100, "Number of simulated users")
	pf.StringVar(&flags.regions, "regions", "seoul,busan,daegu,incheon", "Comma-separated regions to spread users over")
	pf.IntVar(&flags.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts")
	pf.DurationVar(&flags.ramp, "ramp", 5*time.Second, "Spread connection attempts over this duration")

	var (
		redisAddr     string
		redisPassword string
		redisDB       int
		userBase      int64
	)
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Write load-test credentials into the Redis user directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), flags, redisAddr, redisPassword, redisDB, userBase)
		},
	}
	seedCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	seedCmd.Flags().StringVar(&redisPassword, "redis-password", "", "Redis password")
	seedCmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	seedCmd.Flags().Int64Var(&userBase, "user-base", 1_000_000, "User ID of the first simulated user")

	var hold time.Duration
	saturateCmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open and hold joined connections, then report drops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaturate(flags, hold)
		},
	}
	saturateCmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "How long to hold connections open")

	var (
		messages int
		interval time.Duration
		settle   time.Duration
	)
	fanoutCmd := &cobra.Command{
		Use:   "fanout",
		Short: "Send messages and time their delivery to other region members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFanout(flags, messages, interval, settle)
		},
	}
	fanoutCmd.Flags().IntVarP(&messages, "messages", "m", 10, "Messages per user")
	fanoutCmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Delay between a user's messages")
	fanoutCmd.Flags().DurationVar(&settle, "settle", 10*time.Second, "Maximum wait for outstanding deliveries")

	rootCmd.AddCommand(seedCmd, saturateCmd, fanoutCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(ctx context.Context, flags commonFlags, addr, password string, db int, base int64) error {
	client, err := session.Dial(ctx, addr, password, db)
	if err != nil {
		return err
	}
	defer client.Close()

	dir := directory.NewRedis(client)
	for i, token := range flags.tokens() {
		id := registry.Identity{
			UserID:      base + int64(i),
			Username:    fmt.Sprintf("load%d", i),
			DisplayName: fmt.Sprintf("Load %d", i),
			Role:        directory.RoleUser,
		}
		if err := dir.Put(ctx, token, id); err != nil {
			return fmt.Errorf("seed %s: %w", token, err)
		}
	}
	fmt.Printf("Seeded %d credentials (%s) into %s\n", flags.users, flags.tokenFormat, addr)
	return nil
}

// startRun wires signal handling, the collector and the optional scraper.
func startRun(flags commonFlags) (context.Context, *loadtest.Collector, func()) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	col := loadtest.NewCollector()

	var scraper *loadtest.Scraper
	if flags.metricsURL != "" {
		scraper = loadtest.NewScraper(flags.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		col.SetScraper(scraper)
	}

	progressDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := 0
		for {
			select {
			case <-ticker.C:
				n := col.ConnectionCount()
				if n != last {
					fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n", n, flags.users, col.ErrorCount())
					last = n
				}
			case <-progressDone:
				return
			}
		}
	}()

	return ctx, col, func() {
		close(progressDone)
		wg.Wait()
		if scraper != nil {
			scraper.Stop()
		}
		stop()
	}
}

func runSaturate(flags commonFlags, hold time.Duration) error {
	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s)\n", flags.users, flags.url, flags.ramp, hold)
	ctx, col, finish := startRun(flags)

	dropped, err := loadtest.RunSaturate(ctx, loadtest.SaturateConfig{
		URL:         flags.url,
		Tokens:      flags.tokens(),
		Regions:     flags.regionList(),
		Connections: flags.users,
		Concurrency: flags.concurrency,
		Ramp:        flags.ramp,
		Hold:        hold,
	}, col)
	finish()
	if err != nil {
		return err
	}
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	col.Report(os.Stdout)
	return nil
}

func runFanout(flags commonFlags, messages int, interval, settle time.Duration) error {
	regions := flags.regionList()
	fmt.Printf("Fan-out: %d users over %d regions, %d messages each\n", flags.users, len(regions), messages)
	ctx, col, finish := startRun(flags)

	res, err := loadtest.RunFanout(ctx, loadtest.FanoutConfig{
		URL:         flags.url,
		Tokens:      flags.tokens(),
		Regions:     regions,
		Messages:    messages,
		Interval:    interval,
		Concurrency: flags.concurrency,
		Ramp:        flags.ramp,
		Settle:      settle,
	}, col)
	finish()
	if err != nil {
		return err
	}
	fmt.Printf("\nDelivered %d of %d expected (%d sent)\n", res.Delivered, res.Expected, res.Sent)
	col.Report(os.Stdout)
	return nil
}
