// sigbridge delegates method-signature parsing to a supervised worker
// process over a local duplex channel.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/sigbridge/internal/api"
	"github.com/mattjoyce/sigbridge/internal/client"
	"github.com/mattjoyce/sigbridge/internal/config"
	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/lock"
	"github.com/mattjoyce/sigbridge/internal/log"
	"github.com/mattjoyce/sigbridge/internal/supervisor"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "parse":
		os.Exit(runParse(args))
	case "config":
		os.Exit(runConfig(args))
	case "status":
		os.Exit(runStatus(args))
	case "version":
		fmt.Printf("sigbridge version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`sigbridge - supervised out-of-process method signature parsing

Usage:
  sigbridge <command> [flags]

Commands:
  start         Run the host in the foreground (worker supervisor + status API);
                reads signatures from stdin, one per line
  parse <sig>   Parse a single signature through a short-lived worker
  config lock   Authorize the current config (write integrity checksums)
  config check  Validate config syntax and integrity
  status        Show recent worker lifecycle and request history
  version       Show version information
  help          Show this help message

Common flags:
  --config PATH   Config file (default: ./sigbridge.yaml)
`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.String("config", "sigbridge.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if err := config.Verify(*configPath); err != nil {
		return nil, "", fmt.Errorf("config integrity: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, *configPath, nil
}

func buildSupervisor(cfg *config.Config, jnl *journal.Journal) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		WorkerPath:     cfg.Worker.Path,
		ConnectTimeout: cfg.Worker.ConnectTimeout,
		Restart: supervisor.RestartConfig{
			MaxConsecutiveFailures: cfg.Worker.Restart.MaxConsecutiveFailures,
			BaseDelay:              cfg.Worker.Restart.BaseDelay,
			MaxDelay:               cfg.Worker.Restart.MaxDelay,
			RateEvery:              cfg.Worker.Restart.RateEvery,
			RateBurst:              cfg.Worker.Restart.RateBurst,
		},
	}, jnl)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	pidLock, err := lock.Acquire(filepath.Join(filepath.Dir(cfg.Journal.Path), "sigbridge.pid"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer jnl.Close()

	sup := buildSupervisor(cfg, jnl)
	if err := sup.Start(ctx); err != nil {
		// A failed first launch is not fatal: the restart policy keeps
		// trying in the background and requests answer nil meanwhile.
		logger.Warn("initial worker launch failed", "error", err)
	}
	defer sup.Shutdown(context.Background())

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, sup, jnl)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
	}

	cli := client.New(sup, envelope.NewDefaultRegistry(),
		client.WithRequestTimeout(cfg.Worker.RequestTimeout),
		client.WithJournal(jnl))

	go replLoop(cli)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	return 0
}

// replLoop reads signatures from stdin, one per line, and prints the parse
// result as JSON. Blank lines are skipped; stdin EOF just stops the loop.
func replLoop(cli *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		printResult(cli.RequestMethodSignature(line))
	}
}

func runParse(args []string) int {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: parse requires a signature argument")
		return 1
	}
	signature := strings.Join(fs.Args(), " ")

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	sup := buildSupervisor(cfg, nil)
	if err := sup.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: worker launch failed: %v\n", err)
		return 1
	}
	defer sup.Shutdown(ctx)

	cli := client.New(sup, envelope.NewDefaultRegistry(),
		client.WithRequestTimeout(cfg.Worker.RequestTimeout))

	resp := cli.RequestMethodSignature(signature)
	printResult(resp)
	if resp == nil {
		return 1
	}
	return 0
}

func runConfig(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: config requires an action (lock | check)")
		return 1
	}
	action := args[0]
	fs := flag.NewFlagSet("config "+action, flag.ContinueOnError)
	configPath := fs.String("config", "sigbridge.yaml", "config file path")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	switch action {
	case "lock":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.Lock(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Config locked.")
		return 0
	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.Verify(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Config OK.")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer jnl.Close()

	events, err := jnl.Recent(ctx, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(events) == 0 {
		fmt.Println("No worker lifecycle history.")
		return 0
	}
	fmt.Println("Recent worker lifecycle events (newest first):")
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %-10s", ev.At.Local().Format("2006-01-02 15:04:05"), ev.Kind)
		if ev.WorkerPID != 0 {
			line += fmt.Sprintf("  pid=%d", ev.WorkerPID)
		}
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}

	records, err := jnl.RecentRequests(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(records) > 0 {
		fmt.Println("Recent requests (newest first):")
		for _, rec := range records {
			fmt.Printf("  %s  %-8s  %s\n",
				rec.At.Local().Format("2006-01-02 15:04:05"), rec.Status, rec.Signature)
		}
	}
	return 0
}

func printResult(resp *envelope.MethodSignatureResponse) {
	if resp == nil {
		fmt.Println("null")
		return
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Println("null")
		return
	}
	fmt.Println(string(out))
}
