// proxycheck runs pre-flight diagnostics against a running proxy: liveness,
// store connectivity, metrics exposition and the webhook signature gate.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type check struct {
	Name string
	Test func() error
}

var (
	proxyURL string
	client   = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	_ = godotenv.Load()

	proxyURL = os.Getenv("PROXY_URL")
	if proxyURL == "" {
		proxyURL = "http://localhost:3000"
	}
	webhookSecret := os.Getenv("LINEAR_WEBHOOK_SECRET")

	fmt.Printf("Edge proxy pre-flight check against %s\n", proxyURL)
	fmt.Println("---------------------------------------------------------")

	checks := []check{
		{"Dashboard", checkDashboard},
		{"Health endpoint", checkHealth},
		{"Metrics exposition", checkMetrics},
		{"Webhook rejects unsigned", checkWebhookRejectsUnsigned},
		{"Stream rejects anonymous", checkStreamRejectsAnonymous},
	}
	if webhookSecret != "" {
		checks = append(checks, check{"Webhook accepts signed", func() error {
			return checkWebhookAcceptsSigned(webhookSecret)
		}})
	}

	failures := 0
	for _, c := range checks {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(); err != nil {
			failures++
			fmt.Println("[FAIL]")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("[OK]")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("Status: %d check(s) failed.\n", failures)
		os.Exit(1)
	}
	if webhookSecret == "" {
		fmt.Println("Note: LINEAR_WEBHOOK_SECRET unset, signed-webhook check skipped.")
	}
	fmt.Println("Status: proxy ready for edge traffic.")
}

func checkDashboard() error {
	resp, err := client.Get(proxyURL + "/")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	return nil
}

func checkHealth() error {
	resp, err := client.Get(proxyURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("parse health payload: %w", err)
	}
	if health["status"] != "healthy" {
		return fmt.Errorf("status %q", health["status"])
	}
	if health["store"] != "connected" {
		return fmt.Errorf("store %q", health["store"])
	}
	return nil
}

func checkMetrics() error {
	resp, err := client.Get(proxyURL + "/metrics")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if !strings.Contains(string(body), "proxy_") {
		return fmt.Errorf("no proxy_ metric families in exposition")
	}
	return nil
}

func checkWebhookRejectsUnsigned() error {
	resp, err := client.Post(proxyURL+"/webhook", "application/json", strings.NewReader(`{}`))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("unsigned webhook returned %s, want 401", resp.Status)
	}
	return nil
}

func checkStreamRejectsAnonymous() error {
	resp, err := client.Get(proxyURL + "/events/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("anonymous stream returned %s, want 401", resp.Status)
	}
	return nil
}

// checkWebhookAcceptsSigned sends a correctly signed payload with an unknown
// workspace. Acceptance proves the shared secret matches; the proxy drops
// the payload downstream for having no edges.
func checkWebhookAcceptsSigned(secret string) error {
	body := fmt.Sprintf(`{"organizationId":"preflight-%d","action":"check","type":"Diagnostic"}`, time.Now().UnixNano())

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, proxyURL+"/webhook", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("linear-signature", sig)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signed webhook returned %s, want 200", resp.Status)
	}
	return nil
}
