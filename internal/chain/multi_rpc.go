package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MultiRPCClient fans Ledger calls over several endpoints, rotating to the next
// one after repeated transport failures.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

var _ Ledger = (*MultiRPCClient)(nil)

func NewMultiRPCClient(endpoints []string, commitment string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep, commitment))
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	return withFailover(m, func(c *RPCClient) (uint64, error) { return c.GetBalance(ctx, address) })
}

func (m *MultiRPCClient) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (TokenBalance, error) {
	return withFailover(m, func(c *RPCClient) (TokenBalance, error) { return c.GetTokenBalance(ctx, owner, mint) })
}

func (m *MultiRPCClient) GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	return withFailover(m, func(c *RPCClient) ([]byte, error) { return c.GetAccountData(ctx, address) })
}

func (m *MultiRPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return withFailover(m, func(c *RPCClient) (solana.Hash, error) { return c.LatestBlockhash(ctx) })
}

// SubmitTransaction may resend the same signed bytes to another endpoint; the
// ledger deduplicates by signature.
func (m *MultiRPCClient) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	return withFailover(m, func(c *RPCClient) (solana.Signature, error) { return c.SubmitTransaction(ctx, raw) })
}

func (m *MultiRPCClient) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	client, _ := m.currentClient()
	return client.ConfirmTransaction(ctx, sig)
}

func (m *MultiRPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TxDetails, error) {
	return withFailover(m, func(c *RPCClient) (*TxDetails, error) { return c.GetTransaction(ctx, sig) })
}

func (m *MultiRPCClient) Slot(ctx context.Context) (uint64, error) {
	return withFailover(m, func(c *RPCClient) (uint64, error) { return c.Slot(ctx) })
}

func withFailover[T any](m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		if !retryable(err) {
			m.resetFailures(idx)
			return zero, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		if idx == start && attempts > 0 {
			break
		}
	}
	return zero, lastErr
}

// retryable is false for answers the ledger actually gave.
func retryable(err error) bool {
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTxNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsLedgerRejection(err)
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
