// Package storage persists the sandbox server's payments and license grants.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/furkansenharputlu/f-license-validator/config"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrAlreadyResolved = errors.New("payment already resolved")
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is a purchase waiting for, or settled by, an out-of-band payment.
type Payment struct {
	ID          string        `json:"id" gorm:"primaryKey" bson:"_id"`
	LicenseID   string        `json:"license_id" gorm:"index" bson:"license_id"`
	LicenseName string        `json:"license_name" bson:"license_name"`
	PackageID   string        `json:"package_id" bson:"package_id"`
	Username    string        `json:"username" bson:"username"`
	DeviceID    string        `json:"device_id" bson:"device_id"`
	Code        string        `json:"code" gorm:"uniqueIndex" bson:"code"`
	Amount      string        `json:"amount,omitempty" bson:"amount"`
	Currency    string        `json:"currency,omitempty" bson:"currency"`
	Status      PaymentStatus `json:"status" gorm:"index" bson:"status"`
	Reason      string        `json:"reason,omitempty" bson:"reason"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
}

func (p *Payment) Pending() bool {
	return p.Status == PaymentPending
}

// Grant records that a user owns a license for a package.
type Grant struct {
	ID          string    `json:"id" gorm:"primaryKey" bson:"_id"`
	Username    string    `json:"username" gorm:"uniqueIndex:idx_grant_owner" bson:"username"`
	PackageID   string    `json:"package_id" gorm:"uniqueIndex:idx_grant_owner" bson:"package_id"`
	LicenseID   string    `json:"license_id" bson:"license_id"`
	LicenseName string    `json:"license_name" bson:"license_name"`
	PaymentID   string    `json:"payment_id,omitempty" bson:"payment_id"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

type Store interface {
	AddPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context) ([]*Payment, error)
	// ResolvePayment settles a pending payment. It returns ErrAlreadyResolved when the
	// payment is no longer pending.
	ResolvePayment(ctx context.Context, id string, status PaymentStatus, reason string) (*Payment, error)

	// AddGrant returns ErrDuplicate when the user already owns a license for the package.
	AddGrant(ctx context.Context, g *Grant) error
	FindGrant(ctx context.Context, username, packageID string) (*Grant, error)
	ListGrants(ctx context.Context) ([]*Grant, error)
	DeleteGrant(ctx context.Context, id string) error

	// DropDatabase removes every payment and grant.
	DropDatabase(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connect opens the store selected by c.Database.
func Connect(ctx context.Context, c *config.Config) (Store, error) {
	switch c.Database {
	case "mongo":
		return OpenMongo(ctx, c.DatabaseOptions.Mongo)
	case "sqlite", "":
		return OpenSQLite(c.DatabaseOptions.SQLite.Path)
	default:
		return nil, errors.New("unsupported database: " + c.Database)
	}
}
