package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ai-link-guard/config"
	"ai-link-guard/vetting"
)

func NewRoot(version string) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "linkguard",
		Short:         "linkguard: risk verdicts for links in AI chat answers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate("linkguard {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("LINKGUARD_CONFIG", ""), "Path to YAML config (optional)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newCheckCmd(&configPath))
	cmd.AddCommand(newResolveCmd(&configPath))
	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func loadEngine(configPath string) (*config.Config, *vetting.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	engine, err := vetting.NewEngineFromConfig(cfg, vetting.EnvCredentials{})
	if err != nil {
		return nil, nil, err
	}
	return cfg, engine, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the link vetting HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, engine, err := loadEngine(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           vetting.NewServer(engine, cfg.Server.VetWait, cfg.Server.AllowedOrigins...).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			log.Printf("✅ linkguard listening on %s (dns=%s, policy=%s, whois=%t)", cfg.Server.Addr, cfg.DNS.Format, cfg.Reconcile.Policy, cfg.Whois.Enabled)
			log.Println("📍 Endpoints:")
			log.Println("   POST /vet          - Link verdict")
			log.Println("   POST /resolve      - Redirect chain")
			log.Println("   GET  /ws           - Streaming verdicts")
			log.Println("   GET  /stats        - Cache statistics")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("listen: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		pageSecure bool
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Score a link and print each verdict update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := loadEngine(*configPath)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), engine, args[0], pageSecure, wait)
		},
	}
	cmd.Flags().BoolVar(&pageSecure, "page-secure", true, "Treat the hosting page as HTTPS")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for signals")
	return cmd
}

func runCheck(ctx context.Context, out io.Writer, engine *vetting.Engine, rawURL string, pageSecure bool, wait time.Duration) error {
	var mu sync.Mutex
	printf := func(format string, a ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	link := engine.RequestVerdict(ctx, rawURL, pageSecure, func(u vetting.Update) {
		if u.Kind == vetting.UpdateInitial {
			rs := vetting.Score(rawURL, pageSecure)
			printf("%s score=%d %s\n", rawURL, rs.Score, u.Verdict)
			if g := vetting.GuardClick(rs); g.Confirm {
				printf("%s\n", strings.ReplaceAll(strings.TrimSpace(g.Message), "\n", " | "))
			}
			return
		}
		printf("#%d %-10s %s\n", u.Seq, u.Source, u.Verdict)
		for _, a := range u.Annotations {
			printf("   %s\n", a)
		}
	})

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := link.Wait(waitCtx); err != nil {
		printf("(signals still pending after %s)\n", wait)
	}
	printf("final: %s\n", link.Verdict())
	return nil
}

func newResolveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>",
		Short: "Follow a link's redirects and print the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := loadEngine(*configPath)
			if err != nil {
				return err
			}
			res := engine.Resolve(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("resolve %s: %s", args[0], res.Error)
			}
			return nil
		},
	}
}
