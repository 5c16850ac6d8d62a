package storage

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mailfold/mailfold/internal/account"
	"github.com/mailfold/mailfold/internal/oauth"
)

// tokenRow is one account's token inside a named snapshot collection.
type tokenRow struct {
	Collection   string `gorm:"primaryKey"`
	AccountID    string `gorm:"primaryKey"`
	AccessToken  string
	TokenType    string
	RefreshToken string
	Scope        string
	ExpiresIn    *int64
	IssuedAt     time.Time
	UpdatedAt    time.Time
}

// accountRow is one directory entry inside a named snapshot collection.
// Position preserves the order accounts were connected in.
type accountRow struct {
	Collection       string `gorm:"primaryKey"`
	AccountID        string `gorm:"primaryKey"`
	Provider         string
	ProviderGivenID  string
	DisplayName      string
	Username         string
	PictureURI       string
	CachedPictureURI string
	Connected        bool
	LastSynced       time.Time
	Position         int
	UpdatedAt        time.Time
}

// credentialRow stores the client application's identity for one provider.
type credentialRow struct {
	Provider     string `gorm:"primaryKey"`
	ClientID     string
	ClientSecret string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SQLiteStore implements Store over a sqlite database.
type SQLiteStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&tokenRow{}, &accountRow{}, &credentialRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveTokenCache replaces the named token snapshot with the given mapping.
func (s *SQLiteStore) SaveTokenCache(name string, tokens map[string]oauth.TokenRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", name).Delete(&tokenRow{}).Error; err != nil {
			return err
		}
		for id, rec := range tokens {
			row := tokenRow{
				Collection:   name,
				AccountID:    id,
				AccessToken:  rec.AccessToken,
				TokenType:    rec.TokenType,
				RefreshToken: rec.RefreshToken,
				Scope:        rec.Scope,
				ExpiresIn:    rec.ExpiresIn,
				IssuedAt:     rec.IssuedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTokenCache returns the named token snapshot, empty when none exists.
func (s *SQLiteStore) LoadTokenCache(name string) (map[string]oauth.TokenRecord, error) {
	var rows []tokenRow
	if err := s.db.Where("collection = ?", name).Find(&rows).Error; err != nil {
		return nil, err
	}
	tokens := make(map[string]oauth.TokenRecord, len(rows))
	for _, row := range rows {
		tokens[row.AccountID] = oauth.TokenRecord{
			AccessToken:  row.AccessToken,
			TokenType:    row.TokenType,
			RefreshToken: row.RefreshToken,
			Scope:        row.Scope,
			ExpiresIn:    row.ExpiresIn,
			IssuedAt:     row.IssuedAt,
		}
	}
	return tokens, nil
}

// SaveAccounts replaces the named account directory with the given list.
func (s *SQLiteStore) SaveAccounts(name string, accounts []account.Account) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", name).Delete(&accountRow{}).Error; err != nil {
			return err
		}
		for i, acc := range accounts {
			row := accountRow{
				Collection:       name,
				AccountID:        acc.ID,
				Provider:         acc.Provider,
				ProviderGivenID:  acc.ProviderGivenID,
				DisplayName:      acc.DisplayName,
				Username:         acc.Username,
				PictureURI:       acc.PictureURI,
				CachedPictureURI: acc.CachedPictureURI,
				Connected:        acc.Connected,
				LastSynced:       acc.LastSynced,
				Position:         i,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAccounts returns the named account directory in stored order, empty
// when none exists.
func (s *SQLiteStore) LoadAccounts(name string) ([]account.Account, error) {
	var rows []accountRow
	if err := s.db.Where("collection = ?", name).Order("position").Find(&rows).Error; err != nil {
		return nil, err
	}
	accounts := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, account.Account{
			ID:               row.AccountID,
			Provider:         row.Provider,
			ProviderGivenID:  row.ProviderGivenID,
			DisplayName:      row.DisplayName,
			Username:         row.Username,
			PictureURI:       row.PictureURI,
			CachedPictureURI: row.CachedPictureURI,
			Connected:        row.Connected,
			LastSynced:       row.LastSynced,
		})
	}
	return accounts, nil
}

// LoadCredential returns the client credential registered for a provider.
func (s *SQLiteStore) LoadCredential(provider string) (oauth.Credential, error) {
	var row credentialRow
	if err := s.db.Where("provider = ?", provider).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return oauth.Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, provider)
		}
		return oauth.Credential{}, err
	}
	return oauth.Credential{ClientID: row.ClientID, ClientSecret: row.ClientSecret}, nil
}

// SeedCredential stores the credential for a provider if none exists yet,
// so a config-supplied credential lands in the database on first run.
func (s *SQLiteStore) SeedCredential(provider string, cred oauth.Credential) error {
	var row credentialRow
	err := s.db.Where("provider = ?", provider).First(&row).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	log.Printf("🔑 Registering client credential for provider %s", provider)
	return s.db.Create(&credentialRow{
		Provider:     provider,
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
	}).Error
}
