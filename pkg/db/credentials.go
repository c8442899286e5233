package db

import (
	"context"
	"database/sql"
)

// ExchangeCredential is one account's encrypted API key pair for a
// venue, resolved and decrypted by internal/gateway before building a
// venue.VenueClient.
type ExchangeCredential struct {
	ID                 string
	AccountID          string
	Venue              string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
}

// GetCredential returns an account's credential for venue, or
// sql.ErrNoRows if none is configured (expected for on-chain venues,
// which authenticate with a private key instead).
func (d *Database) GetCredential(ctx context.Context, accountID, venue string) (ExchangeCredential, error) {
	var c ExchangeCredential
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, venue, api_key_encrypted, api_secret_encrypted, key_version
		FROM exchange_credentials WHERE account_id = ? AND venue = ?
	`, accountID, venue).Scan(&c.ID, &c.AccountID, &c.Venue, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion)
	return c, err
}

// UpsertCredential inserts or replaces an account's credential for a venue.
func (d *Database) UpsertCredential(ctx context.Context, c ExchangeCredential) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchange_credentials (id, account_id, venue, api_key_encrypted, api_secret_encrypted, key_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version
	`, c.ID, c.AccountID, c.Venue, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion)
	return err
}

// Proxy is an outbound proxy address an account's venue connections
// can be routed through.
type Proxy struct {
	ID       string
	Address  string
	IsActive bool
}

// GetAssignedProxy returns the proxy assigned to an account's
// connection to venue, or sql.ErrNoRows if the connection goes direct.
func (d *Database) GetAssignedProxy(ctx context.Context, accountID, venue string) (Proxy, error) {
	var p Proxy
	var active int
	err := d.DB.QueryRowContext(ctx, `
		SELECT p.id, p.address, p.is_active
		FROM proxy_assignments pa
		JOIN proxies p ON p.id = pa.proxy_id
		WHERE pa.account_id = ? AND pa.venue = ?
	`, accountID, venue).Scan(&p.ID, &p.Address, &active)
	if err != nil {
		return p, err
	}
	p.IsActive = active != 0
	return p, nil
}

// VenueInfo is a row from the venues catalog. RPCEndpoint/ChainID/
// PerpMarketAddress are only populated for kind "onchain".
type VenueInfo struct {
	Name                        string
	Kind                        string // "cex" or "onchain"
	DefaultFundingIntervalHours float64
	MakerFeePct                 float64
	TakerFeePct                 float64
	RPCEndpoint                 string
	ChainID                     int64
	PerpMarketAddress           string
	ConsecutiveErrors           int
}

// GetVenueInfo looks up a venue's catalog entry.
func (d *Database) GetVenueInfo(ctx context.Context, name string) (VenueInfo, error) {
	var v VenueInfo
	var rpcEndpoint, marketAddr sql.NullString
	var chainID sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `
		SELECT name, kind, default_funding_interval_hours, maker_fee_pct, taker_fee_pct,
			rpc_endpoint, chain_id, perp_market_address, consecutive_errors
		FROM venues WHERE name = ?
	`, name).Scan(&v.Name, &v.Kind, &v.DefaultFundingIntervalHours, &v.MakerFeePct, &v.TakerFeePct,
		&rpcEndpoint, &chainID, &marketAddr, &v.ConsecutiveErrors)
	if err != nil {
		return v, err
	}
	v.RPCEndpoint = rpcEndpoint.String
	v.ChainID = chainID.Int64
	v.PerpMarketAddress = marketAddr.String
	return v, nil
}

// RecordVenueSuccess resets a venue's consecutive-error counter and
// stamps last_success_at, called after every successful collector
// cycle for that venue.
func (d *Database) RecordVenueSuccess(ctx context.Context, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE venues SET last_success_at = CURRENT_TIMESTAMP, consecutive_errors = 0 WHERE name = ?
	`, name)
	return err
}

// RecordVenueError increments a venue's consecutive-error counter,
// called after a failed collector cycle for that venue.
func (d *Database) RecordVenueError(ctx context.Context, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE venues SET consecutive_errors = consecutive_errors + 1 WHERE name = ?
	`, name)
	return err
}
