package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
	"github.com/ivancovae/architecture-bionicpro/internal/crypto"
)

// Key prefixes in Redis.
const (
	sessionKeyPrefix     = "session:"      // session:<session_id> -> Record JSON
	userSessionKeyPrefix = "user_session:" // user_session:<user_id> -> session_id
	stateKeyPrefix       = "oauth_state:"  // oauth_state:<state> -> Transaction JSON
)

// TransactionTTL bounds the lifetime of a pending sign-in flow.
const TransactionTTL = 5 * time.Minute

// ErrStoreUnavailable indicates the Redis backend could not be reached.
// It is a dependency failure, distinct from "no session": the edge must
// surface it as a 5xx so operators can tell the two apart.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Store persists session records and sign-in transactions in Redis.
// Credentials are run through the codec on every write and read; when
// single-session-per-user is enabled, reads re-validate the record against
// the user_session secondary index.
type Store struct {
	client        redis.UniversalClient
	codec         *crypto.Codec
	lifetime      time.Duration
	singleSession bool
}

// NewStore connects to Redis and returns a Store. The connection is
// verified with a ping so a misconfigured backend fails at startup.
func NewStore(ctx context.Context, cfg *config.RedisConfig, codec *crypto.Codec,
	lifetime time.Duration, singleSession bool) (*Store, error) {

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{
		client:        client,
		codec:         codec,
		lifetime:      lifetime,
		singleSession: singleSession,
	}, nil
}

// NewStoreWithClient creates a Store with a pre-configured client.
// This is useful for testing with miniredis.
func NewStoreWithClient(client redis.UniversalClient, codec *crypto.Codec,
	lifetime time.Duration, singleSession bool) *Store {
	return &Store{
		client:        client,
		codec:         codec,
		lifetime:      lifetime,
		singleSession: singleSession,
	}
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity to the backend.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Create writes a new session for the user and returns its id. When
// single-session-per-user is enabled, any existing session for the user is
// fully deleted first, so at most one session id is current per user.
func (s *Store) Create(ctx context.Context, userID, username, accessToken, refreshToken string,
	expiresAt time.Time) (string, error) {

	if s.singleSession {
		if err := s.evictUserSession(ctx, userID); err != nil {
			return "", err
		}
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now().Unix()
	record := &Record{
		SessionID:    sessionID,
		UserID:       userID,
		Username:     username,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.Unix(),
		CreatedAt:    now,
		LastUsedAt:   now,
	}

	if err := s.write(ctx, record); err != nil {
		return "", err
	}

	return sessionID, nil
}

// Get reads and decrypts a session record. It returns (nil, nil) when no
// record exists. When single-session-per-user is enabled and the secondary
// index points at a different session id, this record was superseded by a
// later login: it is deleted and (nil, nil) is returned. A record whose
// credentials fail to decrypt is likewise deleted and treated as absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	if s.singleSession {
		current, err := s.client.Get(ctx, userSessionKeyPrefix+record.UserID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if current != "" && current != sessionID {
			// Superseded by a newer login elsewhere: invalidate silently.
			slog.Info("invalidating superseded session",
				"user_id", record.UserID,
			)
			if err := s.Delete(ctx, sessionID); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	record.AccessToken, err = s.codec.Decrypt(record.AccessToken)
	if err == nil {
		record.RefreshToken, err = s.codec.Decrypt(record.RefreshToken)
	}
	if err != nil {
		// Wrong key or tampering: the session is unrecoverable.
		slog.Warn("discarding session with undecryptable credentials",
			"user_id", record.UserID,
			"error", err,
		)
		if delErr := s.Delete(ctx, sessionID); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}

	return &record, nil
}

// Update re-encrypts and rewrites a record, refreshing last_used_at and
// extending both the record's and the secondary index's TTL to the full
// session lifetime (sliding expiration).
func (s *Store) Update(ctx context.Context, record *Record) error {
	record.LastUsedAt = time.Now().Unix()
	return s.write(ctx, record)
}

// Rotate assigns a fresh session id to an existing record, repoints the
// secondary index and unconditionally deletes the old record. Rotation is
// one-way: after this call returns the old id is never valid, even when an
// intermediate step failed. Returns "" when the old session does not exist.
func (s *Store) Rotate(ctx context.Context, oldSessionID string) (string, error) {
	record, err := s.Get(ctx, oldSessionID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", nil
	}

	newSessionID, err := generateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	record.SessionID = newSessionID
	updateErr := s.Update(ctx, record)

	// The old id must not remain valid regardless of the update outcome.
	delErr := s.client.Del(ctx, sessionKeyPrefix+oldSessionID).Err()

	if updateErr != nil {
		return "", updateErr
	}
	if delErr != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, delErr)
	}

	return newSessionID, nil
}

// Delete removes the primary record. If the record existed, the secondary
// index is cleared only when it still points at this exact session id, so
// deleting a stale session never clobbers a newer session's index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(data) == 0 {
		return nil
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil
	}

	userKey := userSessionKeyPrefix + record.UserID
	current, err := s.client.Get(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if current == sessionID {
		if err := s.client.Del(ctx, userKey).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return nil
}

// PutTransaction stores a pending sign-in transaction under its state token
// with a short TTL.
func (s *Store) PutTransaction(ctx context.Context, state string, tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state, data, TransactionTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ConsumeTransaction atomically reads and deletes a pending transaction.
// It returns (nil, nil) for an unknown, expired, or already-consumed state;
// consumption is exactly-once, which is the CSRF/replay defense.
func (s *Store) ConsumeTransaction(ctx context.Context, state string) (*Transaction, error) {
	data, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &tx, nil
}

// write encrypts credentials and persists the record plus the secondary
// index, both with the full session lifetime TTL.
func (s *Store) write(ctx context.Context, record *Record) error {
	encrypted := *record

	var err error
	encrypted.AccessToken, err = s.codec.Encrypt(record.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encrypted.RefreshToken, err = s.codec.Encrypt(record.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(&encrypted)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	if err := s.client.Set(ctx, sessionKeyPrefix+record.SessionID, data, s.lifetime).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.client.Set(ctx, userSessionKeyPrefix+record.UserID, record.SessionID, s.lifetime).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// evictUserSession deletes the user's current session, if any.
func (s *Store) evictUserSession(ctx context.Context, userID string) error {
	current, err := s.client.Get(ctx, userSessionKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	slog.Info("evicting previous session for user", "user_id", userID)
	return s.Delete(ctx, current)
}

// generateSessionID generates a cryptographically secure random session ID:
// 32 random bytes, base64url-encoded (256 bits of entropy).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
