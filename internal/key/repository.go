package key

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrKeyNotFound = errors.New("api key not found")

type Repository interface {
	CountActiveKeys(ctx context.Context, userID string) (int64, error)
	CreateKey(ctx context.Context, key *APIKey) error
	GetKey(ctx context.Context, keyID string, userID string) (*APIKey, error)
	GetKeyByValue(ctx context.Context, keyValue string, userID string) (*APIKey, error)
	FindByKey(ctx context.Context, keyValue string) (*APIKey, error)
	GetKeysByUserID(ctx context.Context, userID string) ([]APIKey, error)
	RevokeKey(ctx context.Context, keyID string, userID string) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CountActiveKeys(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&APIKey{}).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Count(&count).Error
	return count, err
}

func (r *repository) CreateKey(ctx context.Context, key *APIKey) error {
	return r.db.WithContext(ctx).Create(key).Error
}

func (r *repository) GetKey(ctx context.Context, keyID string, userID string) (*APIKey, error) {
	var key APIKey
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", keyID, userID).First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (r *repository) GetKeyByValue(ctx context.Context, keyValue string, userID string) (*APIKey, error) {
	var key APIKey
	if err := r.db.WithContext(ctx).Where("key = ? AND user_id = ?", hashKey(keyValue), userID).First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (r *repository) FindByKey(ctx context.Context, keyValue string) (*APIKey, error) {
	var key APIKey
	if err := r.db.WithContext(ctx).Where("key = ?", hashKey(keyValue)).First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (r *repository) GetKeysByUserID(ctx context.Context, userID string) ([]APIKey, error) {
	var keys []APIKey
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

func (r *repository) RevokeKey(ctx context.Context, keyID string, userID string) error {
	res := r.db.WithContext(ctx).Model(&APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Updates(map[string]any{"is_revoked": true, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrKeyNotFound
	}
	return err
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
