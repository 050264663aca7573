// Command phantomd is the host daemon: it accepts authenticated client
// connections and bridges each session to a local PTY.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/emil45/phantom/infrastructure/config"
	"github.com/emil45/phantom/infrastructure/logging"
	"github.com/emil45/phantom/presentation/daemon"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var opt struct {
	Help       bool
	Pretty     bool
	BindAddr   string
	StateDir   string
	IPCSocket  string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.BoolVar(&opt.Pretty, "pretty", false, "Write human-readable logs instead of JSON")
	pflag.StringVar(&opt.BindAddr, "bind", "", "Override the transport bind address (host:port)")
	pflag.StringVar(&opt.StateDir, "state-dir", "", "Override the state directory")
	pflag.StringVar(&opt.IPCSocket, "ipc-socket", "", "Override the IPC socket path")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	cfg := config.ApplyEnv(config.Default())
	if opt.BindAddr != "" {
		cfg.BindAddress = opt.BindAddr
	}
	if opt.StateDir != "" {
		cfg.StateDir = opt.StateDir
		cfg.IPCSocketPath = opt.StateDir + "/phantom.sock"
	}
	if opt.IPCSocket != "" {
		cfg.IPCSocketPath = opt.IPCSocket
	}

	logger := logging.New(opt.Pretty)

	ctx := context.Background()
	if err := daemon.Run(ctx, cfg, logger, version); err != nil {
		logger.Error("phantomd: fatal", err)
		time.Sleep(50 * time.Millisecond) // let the log line flush before exit
		os.Exit(1)
	}
}
