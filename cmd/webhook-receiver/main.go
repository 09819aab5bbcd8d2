// Command webhook-receiver exercises merchant webhook endpoints. With -listen it
// runs a receiver that checks signatures; otherwise it sends one synthetic,
// signed payment.confirmed event to -url.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/CedrosPay/accessgate/internal/httputil"
	"github.com/CedrosPay/accessgate/internal/payments"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/internal/webhooks"
)

func main() {
	listen := flag.String("listen", "", "address to receive webhooks on (e.g. :9090)")
	url := flag.String("url", "", "merchant webhook URL to send a synthetic event to")
	secret := flag.String("secret", "", "merchant webhook secret")
	merchant := flag.String("merchant", "merchant-test", "merchant id used in the synthetic event")
	amount := flag.Uint64("amount", 1_000_000, "amount in atomic units used in the synthetic event")
	flag.Parse()

	if *secret == "" {
		log.Fatal("secret flag is required")
	}

	switch {
	case *listen != "":
		receive(*listen, *secret)
	case *url != "":
		if err := send(*url, *secret, *merchant, *amount); err != nil {
			log.Fatalf("send webhook: %v", err)
		}
		fmt.Println("webhook delivered to", *url)
	default:
		log.Fatal("either -listen or -url is required")
	}
}

func send(url, secret, merchantID string, amount uint64) error {
	body, err := json.Marshal(webhooks.Envelope{
		Event: webhooks.EventPaymentConfirmed,
		Data: payments.PaymentConfirmedData{
			PaymentID:   storage.NewID(),
			IntentID:    storage.NewID(),
			TxSignature: "synthetic",
			Amount:      fmt.Sprintf("%d", amount),
			Currency:    "USDC",
			PayerWallet: "synthetic",
		},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		MerchantID: merchantID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooks.SignatureHeader, webhooks.Sign(body, secret))
	req.Header.Set(webhooks.EventHeader, webhooks.EventPaymentConfirmed)

	resp, err := httputil.NewClient(10*time.Second, httputil.WithoutRedirects()).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint answered %s", resp.Status)
	}
	return nil
}

func receive(addr, secret string) {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if !webhooks.VerifySignature(body, r.Header.Get(webhooks.SignatureHeader), secret) {
			log.Printf("rejected %s: bad signature", r.Header.Get(webhooks.EventHeader))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		log.Printf("%s %s", r.Header.Get(webhooks.EventHeader), body)
		w.WriteHeader(http.StatusOK)
	})
	log.Printf("listening for webhooks on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
