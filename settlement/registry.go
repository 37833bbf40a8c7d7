package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sbtgate/native/credential"
)

// Balance is the number of units of a credential an identity holds.
type Balance struct {
	Identity     string `gorm:"primaryKey;size:40"`
	CredentialID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Amount       uint64 `gorm:"not null"`
	UpdatedAt    time.Time
}

// TableName implements gorm's tabler interface.
func (Balance) TableName() string { return "credential_balances" }

// TransferRow records a confirmed settlement intent.
type TransferRow struct {
	ID           uint   `gorm:"primaryKey"`
	IntentID     string `gorm:"uniqueIndex;size:64;not null"`
	Kind         string `gorm:"size:32;not null"`
	FromIdentity string `gorm:"size:40"`
	ToIdentity   string `gorm:"size:40"`
	CredentialID uint64 `gorm:"index;not null"`
	Serial       uint64
	CreatedAt    time.Time
}

// TableName implements gorm's tabler interface.
func (TransferRow) TableName() string { return "credential_transfers" }

// AutoMigrate creates the registry tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Balance{}, &TransferRow{})
}

// OpenDatabase opens a gorm handle for the named driver. Supported drivers are
// "sqlite" and "postgres".
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("settlement: unsupported driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Registry is a SQL-backed settlement collaborator.
type Registry struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewRegistry migrates the schema and returns a registry bound to db.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("settlement: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("settlement: migrate: %w", err)
	}
	return &Registry{db: db, nowFn: time.Now}, nil
}

func identityKey(id credential.Identity) string { return hex.EncodeToString(id[:]) }

func lockedBalance(tx *gorm.DB, id string, credentialID uint64) (Balance, bool, error) {
	var bal Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&bal, "identity = ? AND credential_id = ?", id, credentialID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{Identity: id, CredentialID: credentialID}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	return bal, true, nil
}

func (r *Registry) setBalance(tx *gorm.DB, bal Balance, exists bool) error {
	bal.UpdatedAt = r.nowFn().UTC()
	if !exists {
		return tx.Create(&bal).Error
	}
	return tx.Model(&Balance{}).
		Where("identity = ? AND credential_id = ?", bal.Identity, bal.CredentialID).
		Updates(map[string]interface{}{"amount": bal.Amount, "updated_at": bal.UpdatedAt}).Error
}

func priorTransfer(tx *gorm.DB, intentID string) (*TransferRow, error) {
	var row TransferRow
	err := tx.First(&row, "intent_id = ?", intentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Registry) recordTransfer(tx *gorm.DB, row *TransferRow) error {
	row.CreatedAt = r.nowFn().UTC()
	if err := tx.Create(row).Error; err != nil {
		return err
	}
	row.Serial = uint64(row.ID)
	return tx.Model(row).Update("serial", row.Serial).Error
}

// Issue creates one unit for the intent's identity. Replaying an intent id
// returns the original receipt.
func (r *Registry) Issue(ctx context.Context, intent credential.IssuanceIntent) (credential.Receipt, error) {
	if intent.ID == "" || intent.CredentialID == 0 {
		return credential.Receipt{}, ErrInvalidIntent
	}
	to := identityKey(intent.Identity)
	var receipt credential.Receipt
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := priorTransfer(tx, intent.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.Kind != string(KindIssue) || prior.ToIdentity != to || prior.CredentialID != intent.CredentialID {
				return ErrIntentConflict
			}
			receipt = credential.Receipt{IntentID: prior.IntentID, Serial: prior.Serial}
			return nil
		}
		bal, exists, err := lockedBalance(tx, to, intent.CredentialID)
		if err != nil {
			return err
		}
		if bal.Amount > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyHolds, intent.Identity)
		}
		bal.Amount = 1
		if err := r.setBalance(tx, bal, exists); err != nil {
			return err
		}
		row := TransferRow{IntentID: intent.ID, Kind: string(KindIssue), ToIdentity: to, CredentialID: intent.CredentialID}
		if err := r.recordTransfer(tx, &row); err != nil {
			return err
		}
		receipt = credential.Receipt{IntentID: row.IntentID, Serial: row.Serial}
		return nil
	})
	if err != nil {
		return credential.Receipt{}, err
	}
	return receipt, nil
}

// ForceTransfer moves one unit from the holder to the destination. A zero
// destination burns the unit.
func (r *Registry) ForceTransfer(ctx context.Context, intent credential.ForcedTransferIntent) (credential.Receipt, error) {
	if intent.ID == "" || intent.CredentialID == 0 {
		return credential.Receipt{}, ErrInvalidIntent
	}
	from := identityKey(intent.From)
	to := identityKey(intent.To)
	var receipt credential.Receipt
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := priorTransfer(tx, intent.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.Kind != string(KindForceTransfer) || prior.FromIdentity != from || prior.ToIdentity != to {
				return ErrIntentConflict
			}
			receipt = credential.Receipt{IntentID: prior.IntentID, Serial: prior.Serial}
			return nil
		}
		src, srcExists, err := lockedBalance(tx, from, intent.CredentialID)
		if err != nil {
			return err
		}
		if src.Amount == 0 {
			return fmt.Errorf("%w: %s", ErrNoUnit, intent.From)
		}
		src.Amount--
		if err := r.setBalance(tx, src, srcExists); err != nil {
			return err
		}
		if !intent.To.IsZero() {
			dst, dstExists, err := lockedBalance(tx, to, intent.CredentialID)
			if err != nil {
				return err
			}
			dst.Amount++
			if err := r.setBalance(tx, dst, dstExists); err != nil {
				return err
			}
		}
		row := TransferRow{
			IntentID:     intent.ID,
			Kind:         string(KindForceTransfer),
			FromIdentity: from,
			ToIdentity:   to,
			CredentialID: intent.CredentialID,
		}
		if err := r.recordTransfer(tx, &row); err != nil {
			return err
		}
		receipt = credential.Receipt{IntentID: row.IntentID, Serial: row.Serial}
		return nil
	})
	if err != nil {
		return credential.Receipt{}, err
	}
	return receipt, nil
}

// Holding reports whether id holds a unit of the credential.
func (r *Registry) Holding(ctx context.Context, id credential.Identity, credentialID uint64) (bool, error) {
	var bal Balance
	err := r.db.WithContext(ctx).
		First(&bal, "identity = ? AND credential_id = ?", identityKey(id), credentialID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bal.Amount > 0, nil
}

// Transfers returns the recorded transfers ordered by serial.
func (r *Registry) Transfers(ctx context.Context) ([]TransferRow, error) {
	var rows []TransferRow
	if err := r.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

var _ credential.Settlement = (*Registry)(nil)
