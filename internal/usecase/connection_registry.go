package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

const statusWriteTimeout = 5 * time.Second

// ConnectionRegistry tracks live EA sessions. It is the only in-process shared
// state of the bridge; everything returned to callers is a copy.
type ConnectionRegistry struct {
	accounts domain.AccountRepository
	status   domain.ConnectionStatusRepository
	verifier domain.CredentialVerifier
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	conns     map[string]*domain.Connection // connection id -> connection
	byAccount map[string]string             // account id -> connection id

	pending sync.WaitGroup
}

func NewConnectionRegistry(
	accounts domain.AccountRepository,
	status domain.ConnectionStatusRepository,
	verifier domain.CredentialVerifier,
	logger *zap.Logger,
) *ConnectionRegistry {
	return &ConnectionRegistry{
		accounts:  accounts,
		status:    status,
		verifier:  verifier,
		logger:    logger.Named("registry"),
		now:       time.Now,
		conns:     make(map[string]*domain.Connection),
		byAccount: make(map[string]string),
	}
}

// Register adds an unauthenticated connection and greets it.
func (r *ConnectionRegistry) Register(t domain.Transport) string {
	now := r.now()
	id := fmt.Sprintf("conn_%d_%s", now.UnixMilli(), uuid.NewString()[:8])

	r.mu.Lock()
	r.conns[id] = &domain.Connection{
		ID:              id,
		Role:            domain.RoleUnauthenticated,
		LastHeartbeatAt: now,
		ConnectedAt:     now,
		Transport:       t,
	}
	r.mu.Unlock()

	if err := t.Send(domain.WelcomeMessage(id)); err != nil {
		r.logger.Warn("Failed to send welcome", zap.String("connection_id", id), zap.Error(err))
	}
	r.logger.Info("Connection registered", zap.String("connection_id", id), zap.String("remote_addr", t.RemoteAddr()))
	return id
}

// Authenticate resolves the account and verifies the api key. The connection
// status write is best effort and never fails the handshake.
func (r *ConnectionRegistry) Authenticate(ctx context.Context, connectionID, accountNumber, apiKey string) (*domain.AccountContext, error) {
	if r.Get(connectionID) == nil {
		return nil, domain.NewError(domain.ErrAuthenticationRequired, "unknown connection "+connectionID)
	}

	account, err := r.accounts.GetAccountByNumber(ctx, accountNumber)
	if err != nil {
		return nil, domain.NewError(domain.ErrPersistenceFailure, "account lookup failed").Wrap(err)
	}
	if account == nil {
		return nil, domain.NewError(domain.ErrAccountNotFound, "account "+accountNumber+" not found")
	}
	if err := r.verifier.Verify(ctx, account, apiKey); err != nil {
		r.logger.Warn("Authentication rejected",
			zap.String("connection_id", connectionID),
			zap.String("account_number", accountNumber),
			zap.Error(err),
		)
		if domain.CodeOf(err) == domain.ErrInvalidCredentials {
			return nil, err
		}
		return nil, domain.NewError(domain.ErrInvalidCredentials, "invalid credentials").Wrap(err)
	}

	ac := &domain.AccountContext{
		AccountID:     account.ID,
		UserID:        account.UserID,
		AccountNumber: account.AccountNumber,
		PlatformCode:  account.PlatformCode,
		Role:          domain.RoleForAccount(account.Type),
	}

	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NewError(domain.ErrAuthenticationRequired, "connection closed during authentication")
	}
	if conn.Authenticated && conn.AccountID != ac.AccountID && r.byAccount[conn.AccountID] == connectionID {
		delete(r.byAccount, conn.AccountID)
	}
	if prev, exists := r.byAccount[ac.AccountID]; exists && prev != connectionID {
		r.logger.Warn("Account session replaced",
			zap.String("account_id", ac.AccountID),
			zap.String("previous_connection_id", prev),
			zap.String("connection_id", connectionID),
		)
	}
	conn.Authenticated = true
	conn.Role = ac.Role
	conn.AccountID = ac.AccountID
	conn.UserID = ac.UserID
	conn.AccountNumber = ac.AccountNumber
	conn.PlatformCode = ac.PlatformCode
	conn.LastHeartbeatAt = r.now()
	r.byAccount[ac.AccountID] = connectionID
	r.mu.Unlock()

	r.recordStatus(ac.AccountID, true)
	r.logger.Info("Connection authenticated",
		zap.String("connection_id", connectionID),
		zap.String("account_id", ac.AccountID),
		zap.String("role", string(ac.Role)),
	)
	return ac, nil
}

// TouchHeartbeat is a no-op for unknown connections.
func (r *ConnectionRegistry) TouchHeartbeat(connectionID string, latencyMs *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	conn.LastHeartbeatAt = r.now()
	if latencyMs != nil && *latencyMs >= 0 {
		conn.ObservedLatencyMs = int(min(*latencyMs, maxReportedLatencyMs))
	}
}

// maxReportedLatencyMs caps client-reported latency so a bogus value cannot
// overflow the int or swamp the averaged stats.
const maxReportedLatencyMs = float64(time.Hour / time.Millisecond)

// Get returns a copy of the connection or nil.
func (r *ConnectionRegistry) Get(connectionID string) *domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	c := *conn
	return &c
}

// FindByAccountID returns the live authenticated connection of an account.
func (r *ConnectionRegistry) FindByAccountID(accountID string) *domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAccount[accountID]
	if !ok {
		return nil
	}
	conn, ok := r.conns[id]
	if !ok || !conn.Authenticated {
		return nil
	}
	c := *conn
	return &c
}

// Remove deregisters a connection. The disconnect status write runs in the
// background. Returns false if the connection was already gone.
func (r *ConnectionRegistry) Remove(connectionID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connectionID)
	ownsAccount := conn.Authenticated && r.byAccount[conn.AccountID] == connectionID
	if ownsAccount {
		delete(r.byAccount, conn.AccountID)
	}
	r.mu.Unlock()

	if ownsAccount {
		r.recordStatus(conn.AccountID, false)
	}
	r.logger.Info("Connection removed", zap.String("connection_id", connectionID), zap.String("account_id", conn.AccountID))
	return true
}

// Stale returns connections whose last heartbeat is older than timeout.
func (r *ConnectionRegistry) Stale(now time.Time, timeout time.Duration) []*domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*domain.Connection
	for _, conn := range r.conns {
		if now.Sub(conn.LastHeartbeatAt) > timeout {
			c := *conn
			stale = append(stale, &c)
		}
	}
	return stale
}

func (r *ConnectionRegistry) SnapshotStats() domain.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.ConnectionStats{
		Total: len(r.conns),
		ByRole: map[domain.Role]int{
			domain.RoleMaster:          0,
			domain.RoleSlave:           0,
			domain.RoleUnauthenticated: 0,
		},
	}
	var latencySum int
	for _, conn := range r.conns {
		stats.ByRole[conn.Role]++
		if conn.Authenticated {
			stats.AuthenticatedCount++
		}
		latencySum += conn.ObservedLatencyMs
	}
	if stats.Total > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(stats.Total)
	}
	return stats
}

// WaitPending blocks until background status writes have finished.
func (r *ConnectionRegistry) WaitPending() {
	r.pending.Wait()
}

func (r *ConnectionRegistry) recordStatus(accountID string, connected bool) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		if err := r.status.RecordConnectionStatus(ctx, accountID, connected); err != nil {
			r.logger.Warn("Failed to persist connection status",
				zap.String("account_id", accountID),
				zap.Bool("connected", connected),
				zap.String("code", string(domain.ErrPersistenceFailure)),
				zap.Error(err),
			)
		}
	}()
}
