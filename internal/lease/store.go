package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("lease: database handle is required")

// Record is the persisted lease row.
type Record struct {
	Name          string `gorm:"column:name;primaryKey;size:120;not null"`
	Holder        string `gorm:"column:holder;size:190;not null;default:''"`
	ExpiresAtUsec int64  `gorm:"column:expires_at_us;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "rollup_leases"
}

// StoreLeaser keeps the lease in the SQL store next to the data it protects.
type StoreLeaser struct {
	db    *gorm.DB
	name  string
	clock func() time.Time
}

// NewStoreLeaser constructs a lease named name on the provided database.
func NewStoreLeaser(db *gorm.DB, name string, clock func() time.Time) (*StoreLeaser, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &StoreLeaser{db: db, name: name, clock: clock}, nil
}

// Acquire takes the lease when it is free, expired, or already held by holder.
func (l *StoreLeaser) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(holder) == "" {
		return false, ErrMissingHolder
	}
	db := l.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&Record{Name: l.name}).Error; err != nil {
		return false, err
	}
	now := l.clock().UTC()
	result := db.Model(&Record{}).
		Where("name = ? AND (holder = ? OR expires_at_us <= ?)", l.name, holder, now.UnixMicro()).
		Updates(map[string]interface{}{
			"holder":        holder,
			"expires_at_us": now.Add(ttl).UnixMicro(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release expires the lease if holder owns it.
func (l *StoreLeaser) Release(ctx context.Context, holder string) error {
	return l.db.WithContext(ctx).
		Model(&Record{}).
		Where("name = ? AND holder = ?", l.name, holder).
		Update("expires_at_us", 0).Error
}
