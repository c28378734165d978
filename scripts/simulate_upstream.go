// simulate_upstream posts signed, Linear-shaped webhooks to a local proxy so
// edge delivery can be exercised without a real upstream.
//
//	go run scripts/simulate_upstream.go -workspace W1 -interval 2s
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

var actions = []string{
	"issueAssignedToYou",
	"issueCommentMention",
	"issueStatusChanged",
	"issueNewComment",
}

func main() {
	proxyURL := flag.String("proxy", "http://localhost:3000", "proxy base URL")
	secret := flag.String("secret", os.Getenv("LINEAR_WEBHOOK_SECRET"), "webhook signing secret")
	workspace := flag.String("workspace", "", "workspace id to address")
	interval := flag.Duration("interval", 2*time.Second, "delay between webhooks")
	count := flag.Int("count", 0, "webhooks to send (0 = until interrupted)")
	flag.Parse()

	if *secret == "" || *workspace == "" {
		log.Fatal("simulate_upstream needs -secret (or LINEAR_WEBHOOK_SECRET) and -workspace")
	}

	fmt.Printf("Posting webhooks for workspace %s to %s every %v\n", *workspace, *proxyURL, *interval)

	for n := 1; *count == 0 || n <= *count; n++ {
		action := actions[n%len(actions)]
		body := fmt.Sprintf(
			`{"organizationId":%q,"type":"AppUserNotification","action":%q,"createdAt":%q,"notification":{"id":"sim-%d","issue":{"id":"SIM-%d","title":"Simulated issue %d"}}}`,
			*workspace, action, time.Now().UTC().Format(time.RFC3339), n, n, n)

		if err := post(*proxyURL, *secret, body); err != nil {
			log.Printf("webhook %d failed: %v", n, err)
		} else {
			fmt.Printf("sent %-22s (#%d)\n", action, n)
		}
		time.Sleep(*interval)
	}
}

func post(proxyURL, secret, body string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, proxyURL+"/webhook", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("linear-signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy returned %s", resp.Status)
	}
	return nil
}
