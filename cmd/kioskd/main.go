package main

import (
	"fmt"
	"os"

	"github.com/sergeknystautas/kioskd/internal/config"
	"github.com/sergeknystautas/kioskd/internal/daemon"
	"github.com/sergeknystautas/kioskd/internal/update"
	"github.com/sergeknystautas/kioskd/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		// Check if config exists, offer to create if not
		configOk, err := config.EnsureExists()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking config: %v\n", err)
			os.Exit(1)
		}
		if !configOk {
			// User declined to create config
			os.Exit(1)
		}

		if err := daemon.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("kioskd daemon started")

	case "stop":
		if err := daemon.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("kioskd daemon stopped")

	case "status":
		running, url, startedAt, err := daemon.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if running {
			fmt.Println("kioskd daemon is running")
			fmt.Printf("API: %s\n", url)
			if startedAt != "" {
				fmt.Printf("Started: %s\n", startedAt)
			}
		} else {
			fmt.Println("kioskd daemon is not running")
			os.Exit(1)
		}

	case "daemon-run":
		// This is the entry point for the daemon process
		if err := daemon.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("kioskd %s\n", version.Version)

	case "update":
		res, err := update.Check(version.Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if res.Available {
			fmt.Printf("A newer release is available: %s (running %s)\n", res.Latest, res.Current)
			fmt.Printf("Download: %s\n", res.URL)
		} else {
			fmt.Println("kioskd is up to date")
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kioskd - kiosk session and task coordination daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kioskd <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start       Start the daemon in background")
	fmt.Println("  stop        Stop the daemon")
	fmt.Println("  status      Show daemon status and API URL")
	fmt.Println("  daemon-run  Run the daemon in foreground (for debugging)")
	fmt.Println("  version     Print the kioskd version")
	fmt.Println("  update      Check for a newer release")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  kioskd start       # Start the daemon")
	fmt.Println("  kioskd status      # Check if daemon is running")
	fmt.Println("  kioskd stop        # Stop the daemon")
	fmt.Println("  kioskd daemon-run  # Run in foreground to see debug output")
}
