// Command paytest buys one content item end to end against a running server:
// it requests an intent, pays it on-chain with the intent memo attached and
// submits the signature for verification.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/CedrosPay/accessgate/internal/chain"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/httputil"
	"github.com/CedrosPay/accessgate/internal/intents"
	"github.com/CedrosPay/accessgate/internal/money"
	"github.com/CedrosPay/accessgate/internal/payments"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "path to the server config (for rpc url and mints)")
		serverURL  = flag.String("server", "http://localhost:8080", "server base URL including any route prefix")
		merchantID = flag.String("merchant", "", "merchant id")
		contentID  = flag.String("content", "", "content id to purchase")
		keypair    = flag.String("keypair", "", "path to Solana keypair (JSON produced by solana-keygen)")
		async      = flag.Bool("async", false, "queue verification and poll payment-status")
	)
	flag.Parse()

	if *merchantID == "" || *contentID == "" {
		log.Fatal("merchant and content flags are required")
	}
	if *keypair == "" {
		log.Fatal("keypair flag is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	assets := money.NewRegistry(cfg.Solana)
	client := httputil.NewClient(90 * time.Second)
	baseURL := strings.TrimRight(*serverURL, "/")

	var intent intents.CreateIntentResult
	if err := postJSON(client, baseURL+"/payments/create-payment-request", map[string]string{
		"merchantId": *merchantID,
		"contentId":  *contentID,
	}, &intent); err != nil {
		log.Fatalf("create payment request: %v", err)
	}
	log.Printf("intent %s: %d %s to %s (memo %s)", intent.PaymentIntentID, intent.Amount, intent.Currency, intent.Recipient, intent.Memo)

	payerKey, err := solana.PrivateKeyFromSolanaKeygenFile(*keypair)
	if err != nil {
		log.Fatalf("load keypair: %v", err)
	}
	asset, err := assets.Get(intent.Currency)
	if err != nil {
		log.Fatalf("resolve currency: %v", err)
	}
	transfer, err := transferInstruction(payerKey.PublicKey(), intent, asset)
	if err != nil {
		log.Fatalf("build transfer: %v", err)
	}
	memoInst, err := memo.NewMemoInstruction([]byte(intent.Memo), payerKey.PublicKey()).ValidateAndBuild()
	if err != nil {
		log.Fatalf("memo instruction: %v", err)
	}

	rpcClient := rpc.New(cfg.Solana.RPCURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blockhash, err := rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		log.Fatalf("latest blockhash: %v", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{memoInst, transfer},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(payerKey.PublicKey()),
	)
	if err != nil {
		log.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payerKey.PublicKey()) {
			return &payerKey
		}
		return nil
	}); err != nil {
		log.Fatalf("sign transaction: %v", err)
	}

	sig, err := rpcClient.SendTransaction(ctx, tx)
	if err != nil {
		log.Fatalf("send transaction: %v", err)
	}
	log.Printf("sent %s", sig)

	verifier, err := chain.NewFromConfig(cfg.Solana)
	if err != nil {
		log.Fatalf("ledger client: %v", err)
	}
	defer verifier.Close()
	if err := waitConfirmed(verifier, sig.String()); err != nil {
		log.Fatalf("wait for confirmation: %v", err)
	}

	verify := map[string]interface{}{
		"txSignature": sig.String(),
		"merchantId":  *merchantID,
		"contentId":   *contentID,
		"async":       *async,
	}
	if !*async {
		var result payments.VerifyResult
		if err := postJSON(client, baseURL+"/payments/verify-payment", verify, &result); err != nil {
			log.Fatalf("verify payment: %v", err)
		}
		fmt.Printf("payment %s confirmed\naccess token: %s\n", result.PaymentID, result.AccessToken)
		return
	}

	if err := postJSON(client, baseURL+"/payments/verify-payment", verify, nil); err != nil {
		log.Fatalf("queue verification: %v", err)
	}
	for i := 0; i < 60; i++ {
		var status payments.StatusResult
		if err := getJSON(client, baseURL+"/payments/payment-status?tx="+sig.String(), &status); err != nil {
			log.Fatalf("payment status: %v", err)
		}
		log.Printf("status: %s", status.Status)
		if status.Status == payments.StatusConfirmed {
			return
		}
		time.Sleep(2 * time.Second)
	}
	log.Print("gave up waiting for confirmation")
	os.Exit(1)
}

func waitConfirmed(verifier *chain.Verifier, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	for {
		ok, err := verifier.IsTransactionConfirmed(ctx, signature)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func transferInstruction(payer solana.PublicKey, intent intents.CreateIntentResult, asset money.Asset) (solana.Instruction, error) {
	recipient, err := solana.PublicKeyFromBase58(intent.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if asset.Native() {
		return system.NewTransferInstruction(intent.Amount, payer, recipient).ValidateAndBuild()
	}

	mint, err := solana.PublicKeyFromBase58(asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}
	source, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, fmt.Errorf("derive payer ATA: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("derive recipient ATA: %w", err)
	}
	return token.NewTransferCheckedInstruction(
		intent.Amount,
		asset.Decimals,
		source,
		mint,
		dest,
		payer,
		nil,
	).ValidateAndBuild()
}

func postJSON(client *http.Client, url string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: %v", resp.Status, apiErr["error"])
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
