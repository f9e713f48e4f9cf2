package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Account is one SP login
type Account struct {
	SourceAddr string
	Secret     string
	// AllowedIPs restricts the peer address; empty allows any
	AllowedIPs  []string
	FlowControl int
	Active      bool

	allow *IPAllowList
}

// AccountAuthenticator decides CMPP_CONNECT against a set of accounts and a
// global IP allow-list.
type AccountAuthenticator struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	allow    *IPAllowList
	logger   cmpp.Logger
}

// NewAccountAuthenticator creates an authenticator with no accounts
func NewAccountAuthenticator(logger cmpp.Logger) *AccountAuthenticator {
	return &AccountAuthenticator{
		accounts: make(map[string]*Account),
		allow:    &IPAllowList{},
		logger:   logger,
	}
}

// AllowList returns the global IP allow-list
func (a *AccountAuthenticator) AllowList() *IPAllowList {
	return a.allow
}

// RegisterAccount adds or replaces an account
func (a *AccountAuthenticator) RegisterAccount(acc *Account) error {
	if err := prepare(acc); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[acc.SourceAddr] = acc
	return nil
}

// ReplaceAccounts swaps the whole account set
func (a *AccountAuthenticator) ReplaceAccounts(list []*Account) error {
	accounts := make(map[string]*Account, len(list))
	for _, acc := range list {
		if err := prepare(acc); err != nil {
			return err
		}
		accounts[acc.SourceAddr] = acc
	}
	a.mu.Lock()
	a.accounts = accounts
	a.mu.Unlock()
	return nil
}

func prepare(acc *Account) error {
	if acc.SourceAddr == "" {
		return errors.New("source addr cannot be empty")
	}
	allow, err := NewIPAllowList(acc.AllowedIPs...)
	if err != nil {
		return errors.Wrapf(err, "account %s", acc.SourceAddr)
	}
	acc.allow = allow
	return nil
}

// Account returns the account for sourceAddr
func (a *AccountAuthenticator) Account(sourceAddr string) (*Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.accounts[sourceAddr]
	return acc, ok
}

// Accounts returns every account sorted by SP code
func (a *AccountAuthenticator) Accounts() []*Account {
	a.mu.RLock()
	out := make([]*Account, 0, len(a.accounts))
	for _, acc := range a.accounts {
		out = append(out, acc)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceAddr < out[j].SourceAddr })
	return out
}

// Authenticate implements cmpp.Authenticator. Unknown or inactive accounts
// and disallowed addresses get status 2, a wrong digest status 3.
func (a *AccountAuthenticator) Authenticate(ctx context.Context, req *cmpp.AuthRequest) (*cmpp.AuthResult, error) {
	acc, ok := a.Account(req.SourceAddr)
	if !ok || !acc.Active {
		a.warn("Authentication failed: unknown source", req)
		return &cmpp.AuthResult{Status: cmpp.ConnectStatusInvalidSource}, nil
	}

	ip := hostIP(req.RemoteAddr)
	if !a.allow.Check(ip) || !acc.allow.Check(ip) {
		a.warn("Authentication failed: address not allowed", req)
		return &cmpp.AuthResult{Status: cmpp.ConnectStatusInvalidSource}, nil
	}

	want := cmpp.AuthenticatorSource(req.SourceAddr, acc.Secret, req.Timestamp)
	if subtle.ConstantTimeCompare(want, req.AuthenticatorSource) != 1 {
		a.warn("Authentication failed: invalid digest", req)
		return &cmpp.AuthResult{Status: cmpp.ConnectStatusAuthFailed}, nil
	}

	if a.logger != nil {
		a.logger.Info("Authentication successful", "source_addr", req.SourceAddr, "remote_addr", req.RemoteAddr)
	}
	return &cmpp.AuthResult{
		Status:            cmpp.ConnectStatusOK,
		AuthenticatorISMG: cmpp.AuthenticatorISMG(cmpp.ConnectStatusOK, req.AuthenticatorSource, acc.Secret),
		FlowControl:       acc.FlowControl,
	}, nil
}

func (a *AccountAuthenticator) warn(msg string, req *cmpp.AuthRequest) {
	if a.logger != nil {
		a.logger.Warn(msg, "source_addr", req.SourceAddr, "remote_addr", req.RemoteAddr)
	}
}

const (
	selectAccounts   = "SELECT source_addr, secret, flow_control FROM accounts WHERE is_active = 1"
	selectAccountIPs = "SELECT ip_address FROM account_ips WHERE source_addr = ?"
)

// LoadAccounts reads active accounts and their address restrictions
func LoadAccounts(ctx context.Context, db *sql.DB) ([]*Account, error) {
	rows, err := db.QueryContext(ctx, selectAccounts)
	if err != nil {
		return nil, errors.Wrap(err, "query accounts")
	}

	var accounts []*Account
	for rows.Next() {
		acc := &Account{Active: true}
		if err := rows.Scan(&acc.SourceAddr, &acc.Secret, &acc.FlowControl); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan account")
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate accounts")
	}
	rows.Close()

	for _, acc := range accounts {
		ips, err := loadAccountIPs(ctx, db, acc.SourceAddr)
		if err != nil {
			return nil, err
		}
		acc.AllowedIPs = ips
	}
	return accounts, nil
}

func loadAccountIPs(ctx context.Context, db *sql.DB, sourceAddr string) ([]string, error) {
	rows, err := db.QueryContext(ctx, selectAccountIPs, sourceAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "query ips of %s", sourceAddr)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, errors.Wrapf(err, "scan ip of %s", sourceAddr)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// LoadFromDB replaces the account set with the active accounts in db
func (a *AccountAuthenticator) LoadFromDB(ctx context.Context, db *sql.DB) error {
	accounts, err := LoadAccounts(ctx, db)
	if err != nil {
		return err
	}
	if err := a.ReplaceAccounts(accounts); err != nil {
		return err
	}
	if a.logger != nil {
		a.logger.Info("Accounts loaded", "count", len(accounts))
	}
	return nil
}

// WatchDB reloads accounts from db every interval until ctx is done. A
// failed reload keeps the previous set.
func (a *AccountAuthenticator) WatchDB(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.LoadFromDB(ctx, db); err != nil && a.logger != nil {
				a.logger.Error("Account reload failed", "error", err)
			}
		}
	}
}
