// Command phantom-pair is the auxiliary CLI process from spec.md §9: it
// issues a pairing token directly against the on-disk trust store,
// independently of whether phantomd is currently running, and displays
// the pairing QR payload for the user to scan.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/emil45/phantom/infrastructure/config"
	"github.com/emil45/phantom/infrastructure/transport"
	infratrust "github.com/emil45/phantom/infrastructure/trust"
	"github.com/emil45/phantom/presentation/pair"
)

var opt struct {
	Help     bool
	StateDir string
	Host     string
	Port     uint16
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.StateDir, "state-dir", "", "Override the state directory")
	pflag.StringVar(&opt.Host, "host", "", "Host to advertise in the pairing payload (defaults to a detected LAN address)")
	pflag.Uint16Var(&opt.Port, "port", 0, "Port to advertise in the pairing payload (defaults to the daemon's configured bind port)")
}

// pairingQR mirrors infrastructure/ipc's wire shape; duplicated rather
// than imported since importing infrastructure/ipc here would drag the
// daemon's listener/session dependencies into this small CLI.
type pairingQR struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
	FP   string `json:"fp"`
	Tok  string `json:"tok"`
	Name string `json:"name"`
	V    int    `json:"v"`
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	cfg := config.ApplyEnv(config.Default())
	if opt.StateDir != "" {
		cfg.StateDir = opt.StateDir
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "phantom-pair: create state dir: %v\n", err)
		os.Exit(1)
	}

	identity, err := transport.LoadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phantom-pair: load identity: %v\n", err)
		os.Exit(1)
	}

	store := infratrust.NewStore(cfg.StateDir)

	host := opt.Host
	if host == "" {
		host = detectLANAddress()
	}
	_, portStr, err := net.SplitHostPort(cfg.BindAddress)
	port := opt.Port
	if port == 0 && err == nil {
		var p int
		if _, err := fmt.Sscanf(portStr, "%d", &p); err == nil {
			port = uint16(p)
		}
	}

	issue := func(deviceName string) (pair.Result, error) {
		tok, err := store.IssueToken(cfg.PairingTokenTTL)
		if err != nil {
			return pair.Result{}, err
		}

		qr := pairingQR{Host: host, Port: port, FP: identity.Fingerprint, Tok: tok.Token, Name: deviceName, V: 1}
		qrJSON, err := json.Marshal(qr)
		if err != nil {
			return pair.Result{}, err
		}

		return pair.Result{
			Token:       tok.Token,
			Host:        host,
			Port:        port,
			Fingerprint: identity.Fingerprint,
			QR:          string(qrJSON),
			ExpiresAt:   tok.ExpiresAt(),
		}, nil
	}

	if _, err := tea.NewProgram(pair.NewModel(issue)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "phantom-pair: %v\n", err)
		os.Exit(1)
	}
}

// detectLANAddress returns the first non-loopback IPv4 address found on
// the host, falling back to "127.0.0.1" — a best-effort convenience so
// the pairing payload usually needs no --host override.
func detectLANAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
