package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/retrymq"
	"github.com/glimte/retrymq/broker"
	"github.com/glimte/retrymq/health"
	"github.com/glimte/retrymq/retry"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	envFile := os.Getenv("RETRYMQ_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	cfg, err := loadConfig(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "retryctl",
		Short: "Declare, publish to and consume from RabbitMQ retry topologies",
		Long: `retryctl operates a broker-timed retry topology: a main exchange and queue
whose rejected messages wait in a TTL queue before returning.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.URL, "url", "u", cfg.URL, "RabbitMQ connection URL (RETRYMQ_URL)")
	flags.StringVarP(&cfg.Exchange, "exchange", "e", cfg.Exchange, "main exchange (RETRYMQ_EXCHANGE)")
	flags.StringVarP(&cfg.Queue, "queue", "q", cfg.Queue, "main queue (RETRYMQ_QUEUE)")
	flags.StringVarP(&cfg.RoutingKey, "routing-key", "k", cfg.RoutingKey, "routing key (RETRYMQ_ROUTING_KEY)")
	flags.DurationVar(&cfg.RetryWait, "retry-wait", cfg.RetryWait, "delay before a rejected message returns (RETRYMQ_RETRY_WAIT)")
	flags.DurationVar(&cfg.EntryDelay, "entry-delay", cfg.EntryDelay, "delay before a new message is visible, 0 for none (RETRYMQ_ENTRY_DELAY)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (RETRYMQ_LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (RETRYMQ_LOG_FORMAT)")

	rootCmd.AddCommand(
		newDeclareCmd(cfg),
		newPublishCmd(cfg),
		newConsumeCmd(cfg),
		newPollCmd(cfg),
		newInspectCmd(cfg),
		newHealthCmd(cfg),
	)

	return rootCmd
}

// connect builds the logger and a client from the resolved flags.
func connect(ctx context.Context, cfg *Config, options ...retrymq.ClientOption) (*retrymq.Client, *slog.Logger, error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}

	opts := append([]retrymq.ClientOption{
		retrymq.WithLogger(logger),
		retrymq.WithLinkOptions(broker.WithConnectionName("retryctl")),
	}, options...)

	client, err := retrymq.NewClient(ctx, cfg.URL, cfg.Descriptor(), opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func newDeclareCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare the retry topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			n := cfg.Descriptor().Names()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exchange       %s\n", n.Exchange)
			fmt.Fprintf(out, "retry stage 1  %s\n", n.RetryExchange1)
			fmt.Fprintf(out, "retry stage 2  %s\n", n.RetryExchange2)
			fmt.Fprintf(out, "queue          %s\n", n.Queue)
			fmt.Fprintf(out, "wait queue     %s (%s)\n", n.WaitQueue, cfg.RetryWait)
			if cfg.EntryDelay > 0 {
				fmt.Fprintf(out, "delay exchange %s\n", n.DelayExchange)
				fmt.Fprintf(out, "delay queue    %s (%s)\n", n.DelayQueue, cfg.EntryDelay)
			}
			return nil
		},
	}
}

func newPublishCmd(cfg *Config) *cobra.Command {
	var (
		key         string
		ttl         time.Duration
		transient   bool
		headers     []string
		contentType string
		messageID   string
		count       int
	)

	cmd := &cobra.Command{
		Use:   "publish [payload|-]",
		Short: "Publish a message and wait for the broker to confirm it",
		Long:  "Publish a message. The payload is the argument, or stdin when the argument is '-' or missing.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			table, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			client, _, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			opts := retry.PublishOptions{
				Persistent:  !transient,
				TTL:         ttl,
				Headers:     table,
				ContentType: contentType,
				MessageID:   messageID,
			}
			for i := 0; i < count; i++ {
				if err := client.Publish(cmd.Context(), payload, key, opts); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s)\n", count)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "routing key, defaults to --routing-key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "per-message expiration")
	cmd.Flags().BoolVar(&transient, "transient", false, "publish with delivery mode 1")
	cmd.Flags().StringSliceVarP(&headers, "header", "H", nil, "header as name=value, repeatable")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type property")
	cmd.Flags().StringVar(&messageID, "message-id", "", "message id property")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of copies to publish")

	return cmd
}

func newConsumeCmd(cfg *Config) *cobra.Command {
	var (
		failUntil      int64
		giveUpAfter    int64
		handlerTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages until interrupted",
		Long: `Consume messages and print them. With --fail-until N, deliveries whose retry
count is below N are rejected so the retry path can be observed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, logger, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			events, unsubscribe := client.Events(16)
			defer unsubscribe()
			go logEvents(logger, events)

			if cfg.HealthAddr != "" {
				srv := serveHealth(cfg.HealthAddr, client.Health(cfg.WaitThreshold), logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			opts := []retry.ConsumerOption{
				retry.WithPrefetchCount(cfg.Prefetch),
				retry.WithHandlerTimeout(handlerTimeout),
				retry.WithMiddleware(retry.Logging(logger)),
			}
			if giveUpAfter > 0 {
				opts = append(opts, retry.WithMiddleware(retry.GiveUpAfter(giveUpAfter,
					func(_ context.Context, d retry.Delivery, err error) {
						logger.Warn("giving up on message",
							"messageId", d.Metadata.MessageId,
							"retryCount", d.RetryCount,
							"error", err)
					})))
			}

			consumer, err := client.NewConsumer(ctx, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			handler := retry.HandlerFunc(func(_ context.Context, d retry.Delivery) error {
				fmt.Fprintf(out, "[retry %d] %s\n", d.RetryCount, d.Body)
				if d.RetryCount < failUntil {
					return fmt.Errorf("rejecting until retry %d", failUntil)
				}
				return nil
			})

			logger.Info("consuming", "queue", cfg.Queue, "prefetch", cfg.Prefetch)
			return consumer.Run(ctx, handler)
		},
	}

	cmd.Flags().IntVar(&cfg.Prefetch, "prefetch", cfg.Prefetch, "unresolved deliveries in flight (RETRYMQ_PREFETCH)")
	cmd.Flags().StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "serve /health and /live on this address (RETRYMQ_HEALTH_ADDR)")
	cmd.Flags().IntVar(&cfg.WaitThreshold, "wait-threshold", cfg.WaitThreshold, "wait queue depth reported as degraded, 0 to disable (RETRYMQ_WAIT_THRESHOLD)")
	cmd.Flags().Int64Var(&failUntil, "fail-until", 0, "reject deliveries whose retry count is below this")
	cmd.Flags().Int64Var(&giveUpAfter, "give-up-after", 0, "accept failing deliveries once their retry count reaches this, 0 to retry forever")
	cmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", 0, "bound on each handler call")

	return cmd
}

func newPollCmd(cfg *Config) *cobra.Command {
	var (
		limit  int
		reject bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch messages one at a time with basic.get",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			poller, err := client.NewPoller()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i := 0; i < limit; i++ {
				d, err := poller.Poll(cmd.Context())
				if err != nil {
					return err
				}
				if d == nil {
					fmt.Fprintln(out, "queue is empty")
					return nil
				}

				fmt.Fprintf(out, "[retry %d] %s\n", d.RetryCount, d.Body)
				if reject {
					err = d.Reject()
				} else {
					err = d.Accept()
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "max", "n", 1, "maximum messages to fetch")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject into the retry path instead of accepting")

	return cmd
}

func newInspectCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depths of the retry topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := connect(cmd.Context(), cfg, retrymq.WithoutDeclare())
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.Inspect(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
			fmt.Fprintf(out, "%s\n", strings.Repeat("-", 62))
			rows := []retry.QueueStats{stats.Main, stats.Wait}
			if stats.Delay != nil {
				rows = append(rows, *stats.Delay)
			}
			for _, q := range rows {
				fmt.Fprintf(out, "%-40s %10d %10d\n", q.Name, q.Messages, q.Consumers)
			}
			return nil
		},
	}
}

func newHealthCmd(cfg *Config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the link and the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, _, err := connect(ctx, cfg, retrymq.WithoutDeclare())
			if err != nil {
				return err
			}
			defer client.Close()

			report := client.Health(cfg.WaitThreshold).Check(ctx)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}

			if report.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall check timeout")
	cmd.Flags().IntVar(&cfg.WaitThreshold, "wait-threshold", cfg.WaitThreshold, "wait queue depth reported as degraded, 0 to disable (RETRYMQ_WAIT_THRESHOLD)")

	return cmd
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	payload, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

func parseHeaders(raw []string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]interface{}, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: want name=value", h)
		}
		headers[name] = value
	}
	return headers, nil
}

func logEvents(logger *slog.Logger, events <-chan broker.Event) {
	for evt := range events {
		if evt.IsFault() {
			logger.Warn("broker event", "event", evt.Kind.String(), "attempt", evt.Attempt, "error", evt.Err)
			continue
		}
		logger.Info("broker event", "event", evt.Kind.String(), "attempt", evt.Attempt)
	}
}

func serveHealth(addr string, registry *health.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", "error", err)
		}
	}()

	logger.Info("serving health checks", "addr", addr)
	return srv
}
