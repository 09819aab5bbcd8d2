package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process. A single mutex serializes every
// write, so CommitPayment is trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	intents        map[string]PaymentIntent // by id
	intentsByMemo  map[string]string        // memo -> id
	payments       map[string]Payment       // by id
	paymentsBySig  map[string]string        // signature -> id
	paymentIntents map[string]string        // intent id -> payment id
	tokens         map[string]AccessToken   // by jti
	tokensByPay    map[string]string        // payment id -> jti
	purchases      map[string]Purchase      // by payment id
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:        make(map[string]PaymentIntent),
		intentsByMemo:  make(map[string]string),
		payments:       make(map[string]Payment),
		paymentsBySig:  make(map[string]string),
		paymentIntents: make(map[string]string),
		tokens:         make(map[string]AccessToken),
		tokensByPay:    make(map[string]string),
		purchases:      make(map[string]Purchase),
	}
}

// CreateIntent stores a new intent; the memo must be unused.
func (m *MemoryStore) CreateIntent(_ context.Context, intent PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if intent.ID == "" {
		intent.ID = NewID()
	}
	if _, exists := m.intentsByMemo[intent.Memo]; exists {
		return ErrDuplicateMemo
	}
	m.intents[intent.ID] = intent
	m.intentsByMemo[intent.Memo] = intent.ID
	return nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id string) (PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return intent, nil
}

func (m *MemoryStore) GetIntentByMemo(_ context.Context, memo string) (PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.intentsByMemo[memo]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return m.intents[id], nil
}

func (m *MemoryStore) ListPendingIntents(_ context.Context, merchantID, contentID string, now time.Time, limit int) ([]PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentIntent
	for _, intent := range m.intents {
		if intent.MerchantID != merchantID || intent.ContentID != contentID {
			continue
		}
		if !intent.Matchable(now) {
			continue
		}
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpirePendingIntents(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, intent := range m.intents {
		if intent.Status == IntentStatusPending && intent.ExpiresAt.Before(now) {
			intent.Status = IntentStatusExpired
			m.intents[id] = intent
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateAccessToken(_ context.Context, token AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTokenLocked(token)
}

func (m *MemoryStore) insertTokenLocked(token AccessToken) error {
	if _, exists := m.tokens[token.JTI]; exists {
		return ErrDuplicateToken
	}
	if token.PaymentID != "" {
		if _, exists := m.tokensByPay[token.PaymentID]; exists {
			return ErrDuplicateToken
		}
	}
	m.tokens[token.JTI] = token
	if token.PaymentID != "" {
		m.tokensByPay[token.PaymentID] = token.JTI
	}
	return nil
}

func (m *MemoryStore) GetAccessToken(_ context.Context, jti string) (AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[jti]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return token, nil
}

func (m *MemoryStore) GetAccessTokenByPayment(_ context.Context, paymentID string) (AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jti, ok := m.tokensByPay[paymentID]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return m.tokens[jti], nil
}

func (m *MemoryStore) MarkTokenRedeemed(_ context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[jti]
	if !ok {
		return ErrNotFound
	}
	if token.RedeemedAt != nil {
		return ErrAlreadyRedeemed
	}
	at = at.UTC()
	token.RedeemedAt = &at
	m.tokens[jti] = token
	return nil
}

func (m *MemoryStore) DeleteRedeemedExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for jti, token := range m.tokens {
		if token.RedeemedAt == nil || !token.ExpiresAt.Before(now) {
			continue
		}
		delete(m.tokens, jti)
		if token.PaymentID != "" {
			delete(m.tokensByPay, token.PaymentID)
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) GetPaymentBySignature(_ context.Context, txSignature string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.paymentsBySig[txSignature]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return m.payments[id], nil
}

func (m *MemoryStore) GetPurchaseByPayment(_ context.Context, paymentID string) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	purchase, ok := m.purchases[paymentID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return purchase, nil
}

func (m *MemoryStore) CreatePurchase(_ context.Context, purchase Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.purchases[purchase.PaymentID]; exists {
		return ErrDuplicatePurchase
	}
	if purchase.ID == "" {
		purchase.ID = NewID()
	}
	m.purchases[purchase.PaymentID] = purchase
	return nil
}

// CommitPayment applies the settlement or nothing.
func (m *MemoryStore) CommitPayment(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[s.IntentID]
	if !ok {
		return ErrNotFound
	}
	if intent.Status != IntentStatusPending {
		return ErrIntentNotPending
	}
	if intent.Expired(s.Now) {
		return ErrIntentExpired
	}
	if _, exists := m.paymentsBySig[s.Payment.TxSignature]; exists {
		return ErrDuplicatePayment
	}
	if _, exists := m.paymentIntents[s.IntentID]; exists {
		return ErrIntentNotPending
	}
	if _, exists := m.tokens[s.Token.JTI]; exists {
		return ErrDuplicateToken
	}
	if _, exists := m.purchases[s.Payment.ID]; exists {
		return ErrDuplicatePurchase
	}

	confirmedAt := s.Now.UTC()
	intent.Status = IntentStatusConfirmed
	intent.ConfirmedAt = &confirmedAt
	m.intents[intent.ID] = intent

	m.payments[s.Payment.ID] = s.Payment
	m.paymentsBySig[s.Payment.TxSignature] = s.Payment.ID
	m.paymentIntents[s.IntentID] = s.Payment.ID

	m.tokens[s.Token.JTI] = s.Token
	m.tokensByPay[s.Payment.ID] = s.Token.JTI

	m.purchases[s.Payment.ID] = s.Purchase
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
