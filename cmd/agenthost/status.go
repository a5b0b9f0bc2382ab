package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agenthost/internal/config"
)

type healthReport struct {
	Healthy    bool  `json:"healthy"`
	DBOK       bool  `json:"db_ok"`
	AgentCount int   `json:"agent_count"`
	WSClients  int64 `json:"ws_clients"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	return statusCommand(ctx, args, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

// statusCommand prints /healthz. Terminals get a short summary; pipes and
// -json get the raw body.
func statusCommand(ctx context.Context, args []string, out io.Writer, terminal bool) int {
	raw := !terminal
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "-json":
		raw = true
	default:
		fmt.Fprintln(os.Stderr, "usage: agenthost status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	healthURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		// Normalize IPv6 host:port if needed.
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var report healthReport
	if raw || json.Unmarshal(body, &report) != nil {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	} else {
		fmt.Fprintf(out, "agenthost at %s\n", addr)
		fmt.Fprintf(out, "  healthy:       %s\n", yesNo(report.Healthy))
		fmt.Fprintf(out, "  store:         %s\n", okDown(report.DBOK))
		fmt.Fprintf(out, "  active agents: %d\n", report.AgentCount)
		fmt.Fprintf(out, "  event streams: %d\n", report.WSClients)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func okDown(b bool) string {
	if b {
		return "ok"
	}
	return "down"
}
