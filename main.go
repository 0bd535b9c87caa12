package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	port       int
	dataDir    string
	useTUI     bool
	discovery  bool
	chime      bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "meshmirror",
	Short: "Mirror a directory and chat across a mesh of directly connected peers",
	Long: `meshmirror listens for TCP peers, mirrors every file in the data
directory to the peers it is connected to, and relays chat lines typed on
standard input. Type "connect host:port" to join another node.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNode,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	f.IntVarP(&port, "port", "p", 3000, "port to run the server on")
	f.StringVarP(&dataDir, "datadir", "d", "./data", "directory containing data to mirror")
	f.BoolVar(&useTUI, "tui", false, "use the terminal user interface")
	f.BoolVar(&discovery, "discovery", false, "announce and auto-connect on the LAN")
	f.BoolVar(&chime, "chime", false, "play a sound when a chat line arrives")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// mergeFlags applies the flags the user actually set on top of cfg.
func mergeFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Node.Port = port
	}
	if flags.Changed("datadir") {
		cfg.Node.DataDir = dataDir
	}
	if flags.Changed("tui") {
		cfg.UI.TUI = useTUI
	}
	if flags.Changed("discovery") {
		cfg.Discovery.Enabled = discovery
	}
	if flags.Changed("chime") {
		cfg.UI.Chime = chime
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cfg.UI.TUI && cfg.Log.File == "" {
		cfg.Log.File = "meshmirror.log"
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	mergeFlags(cmd, cfg)

	closer, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := GenerateIdentity()
	var (
		display Display
		tuiOut  *TUIDisplay
	)
	if cfg.UI.TUI {
		tuiOut = NewTUIDisplay()
		display = tuiOut
	} else {
		display = NewConsoleDisplay(os.Stdout)
	}
	if cfg.UI.Chime {
		display = chimeDisplay{Display: display, chime: NewChime(cfg.UI.ChimeFile), self: id}
	}

	node, err := NewNode(cfg, display, WithIdentity(id))
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	if tuiOut != nil {
		p := tea.NewProgram(NewUI(ctx, node, tuiOut), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			log.Error().Err(err).Msg("TUI failed")
		}
		stop()
		return <-done
	}

	fmt.Printf("Server running at localhost:%d/%s\n", node.Port(), node.ID())
	fmt.Println(`Type "connect host:port" to join a peer, /help for commands.`)
	go func() {
		if err := node.RunCommandLoop(ctx, os.Stdin); err != nil {
			log.Error().Err(err).Msg("command input failed")
		}
	}()

	return <-done
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
