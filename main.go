// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/taskvision/meet/internal/app"
	"github.com/taskvision/meet/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("TaskVision Meet v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no command given")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: meet peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: meet relay <relay-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelay(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	printRelayBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

// loadDir resolves the working directory and loads meet.json, creating a
// default one on first run.
func loadDir(dirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath = filepath.Join(absDir, "meet.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	return ctx, cancel
}

func showUsage() {
	fmt.Println("TaskVision Meet - Peer Mesh Meetings")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meet peer <directory>    Run a meeting peer")
	fmt.Println("  meet relay <directory>   Run a room relay server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        The directory holds meet.json, the identity key and the database;")
	fmt.Println("        a default meet.json is created when missing")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the WebSocket room relay for peers in relay signaling mode")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a peer, console on http://127.0.0.1:8585")
	fmt.Println("  meet peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Run a relay on port 8686")
	fmt.Println("  meet relay ./relay")
	fmt.Println()
	fmt.Println("Documentation:")
	fmt.Println("  • README.md")
	fmt.Println("  • Any running relay serves guides at /docs/")
}

func printPeerBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 TaskVision Meet · Peer                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s (%s)\n", cfg.Identity.DisplayName, cfg.Identity.Role)
	}
	fmt.Println()

	if addr := cfg.Console.HTTPAddr; addr != "" {
		url := addr
		if url[0] == ':' {
			url = "127.0.0.1" + url
		}
		fmt.Printf("🌐 Console:     http://%s\n", url)
	}
	switch cfg.Signaling.Mode {
	case "p2p":
		fmt.Printf("Signaling:      gossipsub (mDNS tag %q)\n", cfg.P2P.MdnsTag)
	default:
		fmt.Printf("Signaling:      relay at %s\n", cfg.Signaling.RelayURL)
	}
	if cfg.Signaling.AutoJoin && cfg.Signaling.Room != "" {
		fmt.Printf("Auto-join:      %s\n", cfg.Signaling.Room)
	}
	fmt.Println()

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

func printRelayBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 TaskVision Meet · Relay                ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Relay Directory: %s\n", dir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Println()

	bind := cfg.Relay.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	fmt.Printf("📊 Rooms + docs: http://%s:%d\n", bind, cfg.Relay.Port)
	if cfg.Relay.ExternalURL != "" {
		fmt.Printf("External URL:    %s\n", cfg.Relay.ExternalURL)
	}
	if cfg.Relay.PushEnabled {
		fmt.Println("Web Push:        enabled")
	}
	fmt.Println()

	fmt.Println("Starting relay... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
