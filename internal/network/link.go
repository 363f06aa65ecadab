package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Config is the local network attachment configuration
type Config struct {
	// SSID of the Wi-Fi network. Empty for wired or pre-associated links.
	SSID   string
	Secret string
	// Interface to attach (e.g. "wlan0"). Empty means any interface.
	Interface string
	// AssociationTimeout bounds Connect (default 10s)
	AssociationTimeout time.Duration
}

// Link attaches the node to its local network
type Link interface {
	// Associate attaches to the network. Implementations must honor ctx.
	Associate(ctx context.Context, cfg Config) error
	// Disassociate detaches from the network
	Disassociate(ctx context.Context, cfg Config) error
	// Up reports whether the link currently has a usable address
	Up(cfg Config) bool
}

// CommandRunner runs an external command with stdin and returns its
// combined output
type CommandRunner func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// NMCLILink associates Wi-Fi networks through NetworkManager
type NMCLILink struct {
	run CommandRunner
	up  func(iface string) bool
}

// NewNMCLILink creates a NetworkManager link. A nil runner uses os/exec.
func NewNMCLILink(run CommandRunner) *NMCLILink {
	if run == nil {
		run = execRunner
	}
	return &NMCLILink{run: run, up: InterfaceUp}
}

// Associate implements Link
func (l *NMCLILink) Associate(ctx context.Context, cfg Config) error {
	var args []string
	var stdin string
	if cfg.SSID != "" {
		args = []string{"device", "wifi", "connect", cfg.SSID}
		if cfg.Secret != "" {
			// the secret goes through stdin, never argv
			args = append([]string{"--ask"}, args...)
			stdin = cfg.Secret + "\n"
		}
		if cfg.Interface != "" {
			args = append(args, "ifname", cfg.Interface)
		}
	} else {
		if cfg.Interface == "" {
			return fmt.Errorf("nmcli: ssid or interface is required")
		}
		args = []string{"device", "connect", cfg.Interface}
	}

	slog.Info("network: associating", "ssid", cfg.SSID, "interface", cfg.Interface)
	out, err := l.run(ctx, stdin, "nmcli", args...)
	if err != nil {
		return fmt.Errorf("nmcli: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Disassociate implements Link
func (l *NMCLILink) Disassociate(ctx context.Context, cfg Config) error {
	if cfg.Interface == "" {
		return nil
	}
	out, err := l.run(ctx, "", "nmcli", "device", "disconnect", cfg.Interface)
	if err != nil {
		return fmt.Errorf("nmcli: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Up implements Link
func (l *NMCLILink) Up(cfg Config) bool {
	return l.up(cfg.Interface)
}

// InterfaceLink is a wired or externally managed link. Association waits for
// the interface to come up with an address.
type InterfaceLink struct {
	PollInterval time.Duration
	up           func(iface string) bool
}

// NewInterfaceLink creates a link that only observes interface state
func NewInterfaceLink() *InterfaceLink {
	return &InterfaceLink{PollInterval: 250 * time.Millisecond, up: InterfaceUp}
}

// Associate implements Link
func (l *InterfaceLink) Associate(ctx context.Context, cfg Config) error {
	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()

	for {
		if l.up(cfg.Interface) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disassociate implements Link. The interface is not ours to take down.
func (l *InterfaceLink) Disassociate(context.Context, Config) error {
	return nil
}

// Up implements Link
func (l *InterfaceLink) Up(cfg Config) bool {
	return l.up(cfg.Interface)
}

// InterfaceUp reports whether iface is up with a global unicast address.
// An empty name matches any non-loopback interface.
func InterfaceUp(iface string) bool {
	var ifaces []net.Interface
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return false
		}
		ifaces = []net.Interface{*ifi}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return false
		}
		ifaces = all
	}

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
