// Command domsieve attaches live tree engines to browser pages.
//
// Usage:
//
//	domsieve -config domsieve.yaml                 # run every configured page
//	domsieve -once page.html -profile filter       # one scan over a file or URL, print the result
//	domsieve -hash-token < token.txt               # print the bcrypt hash for http.token_hash
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/sieve"
)

func main() {
	configPath := flag.String("config", "", "path to domsieve.yaml")
	once := flag.String("once", "", "run one scan over a file or URL and print the transformed HTML")
	profile := flag.String("profile", sieve.ProfileFilter, "profile for -once: filter, render or clip")
	keywords := flag.String("keywords", "", "comma-separated keywords for -once (default: rules.keywords from -config)")
	report := flag.Bool("report", false, "with -once, print the JSON verdict report instead of HTML")
	hashToken := flag.Bool("hash-token", false, "read a token on stdin and print its bcrypt hash")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// NOTION_TOKEN and friends may live in .env.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *hashToken:
		err = runHashToken()
	case *once != "":
		err = runOnce(ctx, logger, *configPath, *once, *profile, *keywords, *report)
	default:
		err = run(ctx, logger, *configPath)
	}
	if err != nil {
		logger.Error("domsieve: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*sieve.Config, error) {
	if path == "" {
		return sieve.DefaultConfig(), nil
	}
	cfg, err := sieve.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Pages) == 0 {
		logger.Warn("domsieve: no pages configured, serving the API only")
	}

	w, err := sieve.New(ctx, cfg, sieve.WithLogger(logger))
	if err != nil {
		return err
	}
	defer w.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		logger.Info("domsieve: http listening", "addr", cfg.HTTP.Addr, "mcp", cfg.HTTP.MCP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runOnce(ctx context.Context, logger *slog.Logger, configPath, src, profile, keywords string, report bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rs := livetree.RuleSet{
		Keywords:        cfg.Rules.Keywords,
		AdSelectors:     cfg.Rules.AdSelectors,
		AdLabels:        cfg.Rules.AdLabels,
		CaseInsensitive: cfg.Rules.CaseInsensitive,
	}
	if keywords != "" {
		rs.Keywords = strings.Split(keywords, ",")
	}

	res, err := sieve.RunOnce(ctx, src, sieve.OnceOptions{
		Profile:  profile,
		Rules:    rs,
		Override: cfg.Profiles[profile],
		Render:   cfg.Render,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if report {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err = os.Stdout.WriteString(res.HTML)
	return err
}

func runHashToken() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
