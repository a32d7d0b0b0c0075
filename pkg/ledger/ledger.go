// Package ledger persists usage records and prepaid user balances. Every
// completed request becomes one immutable UsageLog row and one atomic
// balance decrement, committed together or not at all.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

type Ledger struct {
	db           *gorm.DB
	archive      *Archive
	log          *charmlog.Logger
	defaultPrice decimal.Decimal
}

// Open opens (creating if needed) the sqlite database at cfg.Path, migrates
// the schema and attaches the archive writer when an archive dir is
// configured.
func Open(cfg config.DatabaseConfig) (*Ledger, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer at a time; a single pooled connection keeps
	// concurrent transactions from tripping over SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&AIModel{}, &UsageLog{}, &UserBalance{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	l := &Ledger{
		db:           db,
		log:          logutil.Component("ledger"),
		defaultPrice: decimal.NewFromFloat(cfg.DefaultTokenPrice),
	}
	if cfg.ArchiveDir != "" {
		l.archive = NewArchive(cfg.ArchiveDir)
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l.archive != nil {
		_ = l.archive.Flush()
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record commits one usage entry and debits the user's balance in a single
// transaction. The decrement runs as a database-side expression so that
// concurrent charges for the same user serialize without lost updates. The
// archive append happens after commit and is best effort.
func (l *Ledger) Record(userID, chatID, modelID string, u *usage.Usage) (*UsageLog, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode raw usage: %w", err)
	}
	entry := &UsageLog{
		ID:               fmt.Sprintf("%x", [16]byte(uuid.New())),
		UserID:           userID,
		ChatID:           chatID,
		ModelID:          modelID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		RawUsage:         raw,
		ChatAt:           time.Now().UTC(),
	}
	err = l.db.Transaction(func(tx *gorm.DB) error {
		model, err := getOrCreateModel(tx, modelID, l.defaultPrice)
		if err != nil {
			return err
		}
		entry.PromptPrice = model.PromptPrice
		entry.CompletionPrice = model.CompletionPrice
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Model(&UserBalance{}).
			Where("user_id = ?", userID).
			Update("balance", gorm.Expr("balance - ?", entry.Cost())).Error
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("usage recorded",
		"user", userID, "model", modelID,
		"prompt", entry.PromptTokens, "completion", entry.CompletionTokens,
		"cost", entry.Cost())
	if l.archive != nil {
		if err := l.archive.Append(entry); err != nil {
			l.log.Warn("archive append failed", "err", err)
		}
	}
	return entry, nil
}

// GetOrCreateBalance returns the user's balance row, creating a zero row on
// first sight. Name and email are refreshed only when they changed; the
// refresh never touches the balance column and is independent of Record's
// transaction.
func (l *Ledger) GetOrCreateBalance(userID, userName, email string) (*UserBalance, error) {
	balance := &UserBalance{}
	err := l.db.
		Where("user_id = ?", userID).
		Attrs(&UserBalance{UserID: userID, UserName: userName, Email: email}).
		FirstOrCreate(balance).Error
	if err != nil {
		return nil, err
	}
	if balance.UserName != userName || balance.Email != email {
		balance.UserName = userName
		balance.Email = email
		err = l.db.Model(&UserBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"user_name": userName, "email": email}).Error
		if err != nil {
			return nil, err
		}
	}
	return balance, nil
}

// Credit adjusts the user's balance by amount, creating a zero row when
// the user is unknown. A negative amount debits.
func (l *Ledger) Credit(userID string, amount decimal.Decimal) (*UserBalance, error) {
	err := l.db.Transaction(func(tx *gorm.DB) error {
		balance := &UserBalance{}
		if err := tx.
			Where("user_id = ?", userID).
			Attrs(&UserBalance{UserID: userID}).
			FirstOrCreate(balance).Error; err != nil {
			return err
		}
		return tx.Model(&UserBalance{}).
			Where("user_id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", amount)).Error
	})
	if err != nil {
		return nil, err
	}
	balance := &UserBalance{}
	if err := l.db.Where("user_id = ?", userID).First(balance).Error; err != nil {
		return nil, err
	}
	return balance, nil
}

// Balances lists every known user balance.
func (l *Ledger) Balances() ([]UserBalance, error) {
	var balances []UserBalance
	if err := l.db.Order("user_id").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

// Logs returns the newest usage entries, optionally filtered by user.
func (l *Ledger) Logs(userID string, limit int) ([]UsageLog, error) {
	q := l.db.Order("chat_at desc")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []UsageLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// GetOrCreateModel returns the catalog entry for modelID, creating a
// default-priced entry on first sight.
func (l *Ledger) GetOrCreateModel(modelID string) (*AIModel, error) {
	return getOrCreateModel(l.db, modelID, l.defaultPrice)
}

// UpsertModelName records the display name reported by the catalog.
func (l *Ledger) UpsertModelName(modelID, name string) (*AIModel, error) {
	model, err := getOrCreateModel(l.db, modelID, l.defaultPrice)
	if err != nil {
		return nil, err
	}
	if model.ModelName != name {
		model.ModelName = name
		if err := l.db.Model(model).Update("model_name", name).Error; err != nil {
			return nil, err
		}
	}
	return model, nil
}

// SetModelPrices overwrites the catalog prices for modelID.
func (l *Ledger) SetModelPrices(modelID string, prompt, completion decimal.Decimal) error {
	return l.db.Model(&AIModel{ModelID: modelID}).
		Updates(map[string]any{"prompt_price": prompt, "completion_price": completion}).Error
}

// Models lists the catalog ordered by display name.
func (l *Ledger) Models() ([]AIModel, error) {
	var models []AIModel
	if err := l.db.Order("model_name").Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

func getOrCreateModel(tx *gorm.DB, modelID string, defaultPrice decimal.Decimal) (*AIModel, error) {
	model := &AIModel{}
	err := tx.
		Where("model_id = ?", modelID).
		Attrs(&AIModel{ModelID: modelID, PromptPrice: defaultPrice, CompletionPrice: defaultPrice}).
		FirstOrCreate(model).Error
	if err != nil {
		return nil, err
	}
	return model, nil
}
