// proxyctl is the operator CLI for a running edge proxy: inspect health,
// watch the event stream, and manage push registrations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgebridge/proxy/pkg/edge"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	proxyURL := os.Getenv("PROXY_URL")
	if proxyURL == "" {
		proxyURL = "http://localhost:3000"
	}
	token := os.Getenv("PROXY_TOKEN")

	switch os.Args[1] {
	case "status":
		cmdStatus(proxyURL)
	case "watch":
		cmdWatch(proxyURL, token)
	case "register":
		cmdRegister(proxyURL, token)
	case "unregister":
		cmdUnregister(proxyURL, token)
	case "authorize":
		fmt.Printf("Open this URL in a browser to authorize a workspace:\n\n  %s/oauth/authorize\n", proxyURL)
	case "version":
		fmt.Printf("proxyctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`proxyctl v` + version + `

Usage: proxyctl <command> [flags]

Commands:
  status      Show proxy health
  watch       Stream envelopes to stdout (NDJSON)
  register    Register this credential for push delivery
  unregister  Remove the push registration
  authorize   Print the workspace authorization URL
  version     Print version
  help        Show this help

Environment:
  PROXY_URL    Proxy base URL (default: http://localhost:3000)
  PROXY_TOKEN  Upstream credential used as the bearer

Examples:
  proxyctl status
  proxyctl watch
  proxyctl register --url https://edge.example.com/hook`)
}

func cmdStatus(proxyURL string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(proxyURL + "/health")
	if err != nil {
		fail("proxy unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		fail("unexpected health payload: %s", body)
	}

	fmt.Printf("proxy:  %s\n", proxyURL)
	fmt.Printf("status: %s\n", health["status"])
	fmt.Printf("store:  %s\n", health["store"])
	if health["store"] != "connected" {
		os.Exit(1)
	}
}

func cmdWatch(proxyURL, token string) {
	requireToken(token)

	out := json.NewEncoder(os.Stdout)
	client := edge.NewClient(edge.Config{
		ProxyURL: proxyURL,
		Token:    token,
		OnConnect: func() {
			fmt.Fprintln(os.Stderr, "connected, waiting for events")
		},
		OnWebhook: func(env edge.Envelope) {
			out.Encode(env)
		},
		OnDraining: func() {
			fmt.Fprintln(os.Stderr, "proxy draining, reconnecting")
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := client.Listen(ctx); err != nil {
		fail("%v", err)
	}
}

func cmdRegister(proxyURL, token string) {
	requireToken(token)

	fs := flag.NewFlagSet("register", flag.ExitOnError)
	targetURL := fs.String("url", "", "HTTPS endpoint the proxy should push webhooks to")
	fs.Parse(os.Args[2:])
	if *targetURL == "" {
		fail("--url is required")
	}

	client := edge.NewClient(edge.Config{ProxyURL: proxyURL, Token: token})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := client.Register(ctx, *targetURL)
	if err != nil {
		fail("registration failed: %v", err)
	}

	fmt.Printf("registered edge %s\n", reg.ID)
	fmt.Printf("workspaces: %v\n", reg.WorkspaceIDs)
	fmt.Printf("secret:     %s\n", reg.Secret)
	fmt.Println("\nStore the secret now; the proxy will not return it again.")
}

func cmdUnregister(proxyURL, token string) {
	requireToken(token)

	client := edge.NewClient(edge.Config{ProxyURL: proxyURL, Token: token})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Unregister(ctx); err != nil {
		fail("unregister failed: %v", err)
	}
	fmt.Println("push registration removed")
}

func requireToken(token string) {
	if token == "" {
		fail("PROXY_TOKEN is required for this command")
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
