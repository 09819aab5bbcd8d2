package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/chain"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/intents"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/money"
	"github.com/CedrosPay/accessgate/internal/payments"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/internal/tokens"
)

const (
	payoutAddress = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	payerAddress  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	txSignature   = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

type memoryLedger struct {
	mu  sync.Mutex
	txs map[string]*chain.Transaction
}

func (l *memoryLedger) VerifyTransaction(_ context.Context, signature string, _ chain.Options) (*chain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txs[signature], nil
}

func (l *memoryLedger) Health(context.Context) error { return nil }

func (l *memoryLedger) publish(signature string, tx *chain.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[signature] = tx
}

// usdcTransfer credits amount of USDC to the payout address with the given memo attached.
func usdcTransfer(memo string, amount uint64) *chain.Transaction {
	keys := []string{payerAddress, payoutAddress, "11111111111111111111111111111111", chain.MemoProgramID}
	return &chain.Transaction{
		Slot:         7,
		PreBalances:  []uint64{2_000_000_000, 1_000_000_000, 1, 1},
		PostBalances: []uint64{1_999_995_000, 1_000_000_000, 1, 1},
		PreTokenBalances: []chain.TokenBalance{
			{AccountIndex: 1, Owner: payoutAddress, Mint: config.USDCMintMainnet, Amount: 0},
		},
		PostTokenBalances: []chain.TokenBalance{
			{AccountIndex: 1, Owner: payoutAddress, Mint: config.USDCMintMainnet, Amount: amount},
		},
		Message: chain.Message{
			Format: chain.FormatLegacy,
			Legacy: &chain.LegacyMessage{
				AccountKeys:  keys,
				Instructions: []chain.CompiledInstruction{{ProgramIDIndex: 3, Accounts: []int{0}, Data: []byte(memo)}},
			},
		},
	}
}

type testServer struct {
	handler http.Handler
	ledger  *memoryLedger
	queue   *storage.MemoryWebhookQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newConfiguredServer(t, &config.Config{})
}

func newConfiguredServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	ledger := &memoryLedger{txs: make(map[string]*chain.Transaction)}
	m := metrics.New(prometheus.NewRegistry())

	repo := catalog.NewYAMLRepository(
		[]config.MerchantConfig{{ID: "merchant-a", PayoutAddress: payoutAddress}},
		[]config.ContentConfig{{ID: "content-a", MerchantID: "merchant-a", Slug: "report", PriceLamports: 2_500_000, Currency: "USDC", DurationSecs: 3600}},
	)
	assets := money.NewRegistry(config.SolanaConfig{
		TokenMints:    map[string]string{"USDC": config.USDCMintMainnet},
		TokenDecimals: map[string]uint8{"USDC": 6},
	})

	issuer, err := tokens.NewIssuer(store, config.TokensConfig{JWTSecret: "0123456789abcdef0123456789abcdef"}, tokens.WithClock(clock))
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	manager := intents.NewManager(store, repo, assets, config.IntentsConfig{}, intents.WithClock(clock))
	reconciler := payments.NewReconciler(store, ledger, issuer, assets, config.PaymentsConfig{},
		payments.WithCache(cache.NewMemory()),
		payments.WithMetrics(m),
		payments.WithClock(clock),
		payments.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)

	queue := storage.NewMemoryWebhookQueue()
	srv := New(cfg, Dependencies{
		Intents:  manager,
		Payments: reconciler,
		Tokens:   issuer,
		Storage:  store,
		Chain:    ledger,
		Metrics:  m,
		Cache:    cache.NewMemory(),
		Webhooks: queue,
	}, zerolog.Nop())

	return &testServer{handler: srv.Handler(), ledger: ledger, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWithHeaders(t, method, path, body, nil)
}

func (s *testServer) doWithHeaders(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_PurchaseFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/payments/create-payment-request", map[string]string{
		"merchantId": "merchant-a",
		"contentId":  "content-a",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var intent intents.CreateIntentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &intent); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if intent.Amount != 2_500_000 || intent.Recipient != payoutAddress || intent.Memo == "" {
		t.Fatalf("unexpected intent: %+v", intent)
	}

	// Not on the ledger yet
	rec = s.do(t, "GET", "/payments/payment-status?tx="+txSignature, nil)
	if body := decodeBody(t, rec); body["status"] != payments.StatusNotFound {
		t.Fatalf("status before publish: %v", body)
	}

	s.ledger.publish(txSignature, usdcTransfer(intent.Memo, intent.Amount))

	verify := map[string]string{"txSignature": txSignature, "merchantId": "merchant-a", "contentId": "content-a"}
	rec = s.do(t, "POST", "/payments/verify-payment", verify)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result payments.VerifyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if result.Status != payments.StatusConfirmed || result.AccessToken == "" || result.PaymentID == "" {
		t.Fatalf("unexpected verify result: %+v", result)
	}

	// Replays return the same grant
	rec = s.do(t, "POST", "/payments/verify-payment", verify)
	var replay payments.VerifyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replay.PaymentID != result.PaymentID || replay.AccessToken != result.AccessToken {
		t.Errorf("replay returned a different grant: %+v vs %+v", replay, result)
	}

	rec = s.do(t, "GET", "/payments/payment-status?tx="+txSignature, nil)
	if body := decodeBody(t, rec); body["status"] != payments.StatusConfirmed {
		t.Errorf("status after verify: %v", body)
	}

	rec = s.do(t, "POST", "/payments/redeem-token", map[string]string{"token": result.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["paymentId"] != result.PaymentID || body["contentId"] != "content-a" {
		t.Errorf("unexpected redemption: %v", body)
	}

	rec = s.do(t, "POST", "/payments/redeem-token", map[string]string{"token": result.AccessToken})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("second redeem: expected 401, got %d", rec.Code)
	}
}

func TestRoutes_UnmatchedUnderpaymentRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/payments/create-payment-request", map[string]string{"merchantId": "merchant-a", "contentId": "content-a"})
	var intent intents.CreateIntentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &intent); err != nil {
		t.Fatalf("decode intent: %v", err)
	}

	// Without a known memo the recipient must have been credited the full amount.
	s.ledger.publish(txSignature, usdcTransfer("PAY:someone:else:1:0000000000000000", intent.Amount-1))
	rec = s.do(t, "POST", "/payments/verify-payment", map[string]string{"txSignature": txSignature, "merchantId": "merchant-a", "contentId": "content-a"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "no_matching_intent" {
		t.Errorf("expected no_matching_intent, got %s", code)
	}

	rec = s.do(t, "GET", "/payments/payment-status?tx="+txSignature, nil)
	if body := decodeBody(t, rec); body["status"] != payments.StatusPending {
		t.Errorf("unmatched transaction should stay pending: %v", body)
	}
}

func TestRoutes_SecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID to be set")
	}
}

func TestRoutes_MetricsAndUnknownPaths(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, "GET", "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/paywall/resource", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route: expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/payments/create-payment-request", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: expected 405, got %d", rec.Code)
	}
}

func TestRoutes_IdempotentCreate(t *testing.T) {
	s := newConfiguredServer(t, &config.Config{
		Idempotency: config.IdempotencyConfig{Enabled: true, TTL: config.Duration{Duration: time.Hour}},
	})
	body := map[string]string{"merchantId": "merchant-a", "contentId": "content-a"}
	headers := map[string]string{"Idempotency-Key": "checkout-42"}

	first := s.doWithHeaders(t, "POST", "/payments/create-payment-request", body, headers)
	second := s.doWithHeaders(t, "POST", "/payments/create-payment-request", body, headers)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("expected replayed response")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	third := s.do(t, "POST", "/payments/create-payment-request", body)
	if third.Body.String() == first.Body.String() {
		t.Error("request without a key should create a new intent")
	}
}

func TestRoutes_AdminWebhooks(t *testing.T) {
	const adminKey = "admin-key-0123456789ab"
	s := newConfiguredServer(t, &config.Config{
		APIKeys: config.APIKeysConfig{Enabled: true, Keys: map[string]string{adminKey: config.APIKeyRoleAdmin}},
	})
	if _, err := s.queue.EnqueueWebhook(context.Background(), storage.PendingWebhook{
		MerchantID: "merchant-a",
		URL:        "https://merchant.example/hooks",
		Payload:    json.RawMessage(`{}`),
		EventType:  "payment.confirmed",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if rec := s.do(t, "GET", "/admin/webhooks", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: expected 401, got %d", rec.Code)
	}
	rec := s.doWithHeaders(t, "GET", "/admin/webhooks", nil, map[string]string{"X-API-Key": adminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["count"] != float64(1) {
		t.Errorf("expected one webhook, got %v", body)
	}
}

func TestRoutes_AdminDisabledWithoutKey(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, "GET", "/admin/webhooks", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected admin routes to be absent, got %d", rec.Code)
	}
}
