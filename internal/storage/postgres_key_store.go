package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
)

var _ KeyStore = (*PostgresKeyStore)(nil)

// PostgresKeyStore keeps bcrypt hashes of API keys in PostgreSQL.
type PostgresKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPostgresKeyStore creates a key store on conn.
func NewPostgresKeyStore(conn *Connection, logger *slog.Logger) (*PostgresKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresKeyStore{conn: conn, logger: logger}, nil
}

const keyColumns = `id, key_hash, account_id, name, permissions, created_at, expires_at, active`

func scanKey(row scanner) (*Key, error) {
	var (
		k           Key
		permissions []byte
		expiresAt   sql.NullTime
	)

	if err := row.Scan(&k.ID, &k.Key, &k.AccountID, &k.Name, &permissions, &k.CreatedAt, &expiresAt, &k.Active); err != nil {
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}

	if err := json.Unmarshal(permissions, &k.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions of API key %s: %w", k.ID, err)
	}

	k.ExpiresAt = timePtr(expiresAt)

	return &k, nil
}

// FindByKey compares the key against the hash of every usable key. Hashes are
// salted, so there is no indexed lookup by value.
func (s *PostgresKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE active AND (expires_at IS NULL OR expires_at > NOW())`)
	if err != nil {
		s.logger.Error("Failed to query API keys", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			s.logger.Warn("Skipping unreadable API key", slog.String("error", err.Error()))

			continue
		}

		if CompareAPIKeyHash(k.Key, key) {
			k.Key = MaskKey(key)

			return k, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("Failed to iterate API keys", slog.String("error", err.Error()))
	}

	return nil, false
}

// Add hashes the plaintext key and stores it.
func (s *PostgresKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.AccountID == "" {
		return ErrAccountIDEmpty
	}

	// bcrypt salts every hash, so duplicates are found by comparison.
	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	permissions, err := jsonValue(nonNilPermissions(apiKey.Permissions))
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		apiKey.ID, keyHash, apiKey.AccountID, apiKey.Name, permissions, apiKey.CreatedAt,
		nullTime(apiKey.ExpiresAt), apiKey.Active)
	if isUniqueViolation(err) {
		return ErrKeyAlreadyExists
	}

	if err != nil {
		return s.queryError("insert API key", err)
	}

	s.logger.Info("API key created",
		slog.String("key_id", apiKey.ID),
		slog.String("account_id", apiKey.AccountID),
		slog.String("key", MaskKey(apiKey.Key)))

	return nil
}

// Update changes name, permissions, active flag and expiry. The hash never changes.
func (s *PostgresKeyStore) Update(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	permissions, err := jsonValue(nonNilPermissions(apiKey.Permissions))
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE api_keys
		SET name = $2, permissions = $3, active = $4, expires_at = $5, updated_at = NOW()
		WHERE id = $1`,
		apiKey.ID, apiKey.Name, permissions, apiKey.Active, nullTime(apiKey.ExpiresAt))
	if err != nil {
		return s.queryError("update API key", err)
	}

	return s.expectOne(res, apiKey.ID, "updated")
}

// Delete deactivates the key. Rows are kept for the audit trail.
func (s *PostgresKeyStore) Delete(ctx context.Context, keyID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active`, keyID)
	if err != nil {
		return s.queryError("deactivate API key", err)
	}

	return s.expectOne(res, keyID, "deactivated")
}

func (s *PostgresKeyStore) expectOne(res sql.Result, keyID, action string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrKeyNotFound
	}

	s.logger.Info("API key "+action, slog.String("key_id", keyID))

	return nil
}

// ListByAccount returns the active keys of an account, newest first, with
// hashes masked.
func (s *PostgresKeyStore) ListByAccount(ctx context.Context, accountID string) ([]*Key, error) {
	if accountID == "" {
		return nil, ErrAccountIDEmpty
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE account_id = $1 AND active
		ORDER BY created_at DESC, id`, accountID)
	if err != nil {
		return nil, s.queryError("list API keys", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*Key{}

	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}

		k.Key = MaskKey(k.Key)
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate API keys", err)
	}

	return keys, nil
}

func (s *PostgresKeyStore) queryError(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection error", slog.String("operation", op), slog.String("error", err.Error()))
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

func nonNilPermissions(p []string) []string {
	if p == nil {
		return []string{}
	}

	return slices.Clone(p)
}
