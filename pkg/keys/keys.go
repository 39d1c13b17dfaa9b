// Package keys issues long-lived gateway API keys bound to one user.
// Only a hash of each key is stored; the plaintext is returned once.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/keyamuha-ux/collede/pkg/keylock"
	"github.com/keyamuha-ux/collede/pkg/usagedb"
	"gorm.io/gorm"
)

const (
	Prefix       = "collede-sk-"
	MaskedPrefix = Prefix + "..."
	MaxPerUser   = 5
	secretBytes  = 24
)

var (
	ErrLimitReached = fmt.Errorf("maximum %d keys allowed", MaxPerUser)
	ErrNotFound     = errors.New("key not found")
	ErrInvalidKey   = errors.New("invalid api key")
)

// APIKey is the persisted form of an issued key.
type APIKey struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`        // UUID, stable across views.
	UserID    string    `gorm:"type:varchar(191);not null;index"`   // Owning identity.
	Name      string    `gorm:"type:text"`                          // Display name.
	KeyHash   string    `gorm:"type:char(64);not null;uniqueIndex"` // sha256 of the full key, hex.
	Last4     string    `gorm:"type:varchar(4);not null"`           // Tail shown in masked views.
	CreatedAt time.Time `gorm:"not null"`                           // Creation timestamp.
}

// Key is the API view of an issued key. Key holds the full secret only in
// the result of Create.
type Key struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Key     string `json:"key"`
	Created string `json:"created"`
}

type Issuer struct {
	db     *gorm.DB
	locks  *keylock.Map
	now    func() time.Time
	random func([]byte) (int, error)
}

func NewIssuer(conn *gorm.DB) *Issuer {
	return &Issuer{db: conn, locks: keylock.New(), now: time.Now, random: rand.Read}
}

// Models lists the tables this package owns, for usagedb.Migrate.
func Models() []any {
	return []any{&APIKey{}}
}

// Create mints a key for userID. An empty name defaults to "Club Key N".
func (i *Issuer) Create(ctx context.Context, userID, name string) (Key, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Key{}, errors.New("user id is required")
	}
	unlock := i.locks.Lock(userID)
	defer unlock()

	buf := make([]byte, secretBytes)
	if _, err := i.random(buf); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	secret := Prefix + hex.EncodeToString(buf)
	name = strings.TrimSpace(name)
	row := APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   hashKey(secret),
		Last4:     secret[len(secret)-4:],
		CreatedAt: i.now().UTC().Truncate(time.Second),
	}

	// The keylock only covers this process. The count and insert share a
	// transaction, and postgres additionally takes a per-user advisory lock,
	// so gateways sharing one database still stop at MaxPerUser.
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == usagedb.DialectPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "collede-keys:"+userID).Error; err != nil {
				return fmt.Errorf("lock user keys: %w", err)
			}
		}
		var count int64
		if err := tx.Model(&APIKey{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("count keys: %w", err)
		}
		if count >= MaxPerUser {
			return ErrLimitReached
		}
		row.Name = name
		if row.Name == "" {
			row.Name = fmt.Sprintf("Club Key %d", count+1)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store key: %w", err)
		}
		return nil
	})
	if err != nil {
		return Key{}, err
	}
	log.Info("api key issued", "user", userID, "key_id", row.ID, "key", MaskedPrefix+row.Last4)
	out := view(row)
	out.Key = secret
	return out, nil
}

// Revoke deletes keyID if userID owns it.
func (i *Issuer) Revoke(ctx context.Context, userID, keyID string) error {
	res := i.db.WithContext(ctx).Where("id = ? AND user_id = ?", keyID, userID).Delete(&APIKey{})
	if res.Error != nil {
		return fmt.Errorf("revoke key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Info("api key revoked", "user", userID, "key_id", keyID)
	return nil
}

// List returns the user's keys, oldest first, masked.
func (i *Issuer) List(ctx context.Context, userID string) ([]Key, error) {
	var rows []APIKey
	if err := i.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]Key, 0, len(rows))
	for _, row := range rows {
		out = append(out, view(row))
	}
	return out, nil
}

// Resolve maps a presented secret back to its owner.
func (i *Issuer) Resolve(ctx context.Context, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, Prefix) || len(secret) <= len(Prefix) {
		return "", ErrInvalidKey
	}
	var row APIKey
	err := i.db.WithContext(ctx).Where("key_hash = ?", hashKey(secret)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("resolve key: %w", err)
	}
	return row.UserID, nil
}

// IsKey reports whether token has the issued key shape.
func IsKey(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), Prefix)
}

func view(row APIKey) Key {
	return Key{
		ID:      row.ID,
		Name:    row.Name,
		Key:     MaskedPrefix + row.Last4,
		Created: row.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
