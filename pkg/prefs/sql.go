package prefs

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Preference struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     bool
	UpdatedAt time.Time
}

func InitDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&Preference{})
	if err != nil {
		return nil, err
	}

	return db, nil
}

type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetBool(ctx context.Context, key string) (bool, error) {
	var preference Preference
	err := s.db.WithContext(ctx).
		Where("name = ?", key).
		First(&preference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrMissing
	}
	if err != nil {
		return false, err
	}
	return preference.Value, nil
}

func (s *SQLStore) SetBool(ctx context.Context, key string, value bool) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&Preference{
			Name:  key,
			Value: value,
		}).Error
}

var _ Store = (*SQLStore)(nil)
