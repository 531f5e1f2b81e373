package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"covdev/internal/storage"
)

// ConnectedKey is the persisted flag remembering an approved connection.
const ConnectedKey = "walletConnected"

// codeUserRejected is the EIP-1193 provider error for a declined request.
const codeUserRejected = 4001

var (
	ErrUserRejected = errors.New("wallet: user rejected the request")
	ErrNoAccounts   = errors.New("wallet: no accounts returned")
)

// Caller issues raw JSON-RPC requests against a wallet provider.
type Caller interface {
	Call(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Session tracks the connected account of a wallet provider.
type Session struct {
	caller Caller
	store  storage.KV
	logger *zap.Logger

	mu      sync.RWMutex
	account string
}

func NewSession(caller Caller, store storage.KV, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{caller: caller, store: store, logger: logger}
}

// Account returns the connected account, or "" when disconnected.
func (s *Session) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Connect requests account access. The first account returned becomes the
// session account and the connection is remembered. On error the session
// stays disconnected.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if s.caller == nil {
		return "", fmt.Errorf("wallet provider is not configured")
	}

	var accounts []string
	if err := s.caller.Call(ctx, &accounts, "eth_requestAccounts"); err != nil {
		if isUserRejected(err) {
			return "", ErrUserRejected
		}
		return "", fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}

	account := normalizeAccount(accounts[0])
	s.mu.Lock()
	s.account = account
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Set(ctx, ConnectedKey, "true"); err != nil {
			s.logger.Warn("persist wallet flag", zap.Error(err))
		}
	}
	s.logger.Info("wallet connected", zap.String("account", account))
	return account, nil
}

// Disconnect revokes account permissions and forgets the connection. A failed
// revoke is logged; the local state is cleared regardless.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.caller != nil {
		params := map[string]interface{}{"eth_accounts": map[string]interface{}{}}
		if err := s.caller.Call(ctx, nil, "wallet_revokePermissions", params); err != nil {
			s.logger.Warn("revoke wallet permissions", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.account = ""
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(ctx, ConnectedKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("clear wallet flag: %w", err)
		}
	}
	s.logger.Info("wallet disconnected")
	return nil
}

// Resume reconnects when a previous connection was remembered. It reports
// whether the session ends up connected.
func (s *Session) Resume(ctx context.Context) bool {
	if s.Account() != "" {
		return true
	}
	if s.store == nil {
		return false
	}
	flag, err := s.store.Get(ctx, ConnectedKey)
	if err != nil || flag != "true" {
		return false
	}
	if _, err := s.Connect(ctx); err != nil {
		s.logger.Warn("resume wallet session", zap.Error(err))
		return false
	}
	return true
}

func isUserRejected(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected
}

func normalizeAccount(account string) string {
	account = strings.TrimSpace(account)
	if common.IsHexAddress(account) {
		return common.HexToAddress(account).Hex()
	}
	return account
}
