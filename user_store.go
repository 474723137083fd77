package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smpp-routing-gw/routing"
)

var ErrUnknownUser = errors.New("store: unknown user")

type UserRecord struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	UID       string        `gorm:"uniqueIndex;not null" json:"uid"`
	GID       string        `gorm:"index" json:"gid"`
	Username  string        `gorm:"uniqueIndex;not null" json:"username"`
	Password  string        `gorm:"not null" json:"-"` // AES encrypted, see EncryptPassword
	Quotas    []QuotaRecord `gorm:"foreignKey:UserID" json:"quotas"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// QuotaRecord holds one limited quota. Unlimited quotas have no row.
type QuotaRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex:idx_user_quota;not null" json:"user_id"`
	Key       string    `gorm:"uniqueIndex:idx_user_quota;not null" json:"key"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserStore keeps users and their quotas in postgres.
type UserStore struct {
	db            *gorm.DB
	encryptionKey string
}

func NewUserStore(db *gorm.DB, encryptionKey string) *UserStore {
	return &UserStore{db: db, encryptionKey: encryptionKey}
}

func (s *UserStore) Migrate() error {
	return s.db.AutoMigrate(&UserRecord{}, &QuotaRecord{}, &RouteRecord{})
}

// LoadUsers returns every user by username with its password decrypted.
func (s *UserStore) LoadUsers(ctx context.Context) (map[string]*routing.User, error) {
	var records []UserRecord
	if err := s.db.WithContext(ctx).Preload("Quotas").Find(&records).Error; err != nil {
		return nil, err
	}

	users := make(map[string]*routing.User, len(records))
	for _, rec := range records {
		password, err := DecryptPassword(rec.Password, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password for user %s: %w", rec.Username, err)
		}
		u := routing.NewUser(rec.UID, routing.Group{GID: rec.GID}, rec.Username, password)
		for _, q := range rec.Quotas {
			if err := u.MtCredential.SetQuota(routing.QuotaKey(q.Key), routing.Limit(q.Value)); err != nil {
				return nil, fmt.Errorf("user %s: %w", rec.Username, err)
			}
		}
		users[u.Username] = u
	}
	return users, nil
}

// AddUser encrypts the user's password and stores it with its quotas.
func (s *UserStore) AddUser(ctx context.Context, u *routing.User) error {
	encrypted, err := EncryptPassword(u.Password, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}
	rec := &UserRecord{
		UID:      u.UID,
		GID:      u.Group.GID,
		Username: u.Username,
		Password: encrypted,
		Quotas:   quotaRecords(u),
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// SaveQuotas replaces the stored quotas of u with its current ones.
func (s *UserStore) SaveQuotas(ctx context.Context, u *routing.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the row lock orders concurrent saves for one user
		var rec UserRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uid = ?", u.UID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownUser, u.UID)
		}
		if err != nil {
			return err
		}

		// snapshot under the lock so the last writer holds the newest quotas
		quotas := quotaRecords(u)
		keys := make([]string, 0, len(quotas))
		for i := range quotas {
			quotas[i].UserID = rec.ID
			keys = append(keys, quotas[i].Key)
		}

		stale := tx.Where("user_id = ?", rec.ID)
		if len(keys) > 0 {
			stale = stale.Where("key NOT IN ?", keys)
		}
		if err := stale.Delete(&QuotaRecord{}).Error; err != nil {
			return err
		}
		if len(quotas) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&quotas).Error
	})
}

func quotaRecords(u *routing.User) []QuotaRecord {
	if u.MtCredential == nil {
		return nil
	}
	quotas := u.MtCredential.Quotas()
	out := make([]QuotaRecord, 0, len(quotas))
	for key, q := range quotas {
		out = append(out, QuotaRecord{Key: string(key), Value: q.Value})
	}
	return out
}
