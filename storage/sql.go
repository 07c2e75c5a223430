package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sqlStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logrus.WithError(err).Error("Problem while connecting to SQL")
		return nil, errors.Wrap(err, "couldn't open sqlite database")
	}

	if err := db.AutoMigrate(&Payment{}, &Grant{}); err != nil {
		logrus.WithError(err).Error("Problem while creating SQL tables")
		return nil, errors.Wrap(err, "couldn't migrate sqlite database")
	}

	return &sqlStore{db: db}, nil
}

func (s *sqlStore) AddPayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	return errors.Wrap(s.db.WithContext(ctx).Create(p).Error, "couldn't insert payment")
}

func (s *sqlStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get payment")
	}

	return &p, nil
}

func (s *sqlStore) ListPayments(ctx context.Context) ([]*Payment, error) {
	var payments []*Payment
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&payments).Error
	return payments, errors.Wrap(err, "couldn't list payments")
}

func (s *sqlStore) ResolvePayment(ctx context.Context, id string, status PaymentStatus, reason string) (*Payment, error) {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", id, PaymentPending).
		Updates(map[string]interface{}{"status": status, "reason": reason})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "couldn't update payment")
	}

	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 {
		return p, ErrAlreadyResolved
	}

	return p, nil
}

func (s *sqlStore) AddGrant(ctx context.Context, g *Grant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&Grant{}).Where("username = ? AND package_id = ?", g.Username, g.PackageID).Count(&count).Error
		if err != nil {
			return errors.Wrap(err, "couldn't check grants")
		}

		if count > 0 {
			return ErrDuplicate
		}

		return errors.Wrap(tx.Create(g).Error, "couldn't insert grant")
	})
}

func (s *sqlStore) FindGrant(ctx context.Context, username, packageID string) (*Grant, error) {
	var g Grant
	err := s.db.WithContext(ctx).Where("username = ? AND package_id = ?", username, packageID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get grant")
	}

	return &g, nil
}

func (s *sqlStore) ListGrants(ctx context.Context) ([]*Grant, error) {
	var grants []*Grant
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&grants).Error
	return grants, errors.Wrap(err, "couldn't list grants")
}

func (s *sqlStore) DeleteGrant(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Grant{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "couldn't delete grant")
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *sqlStore) DropDatabase(ctx context.Context) error {
	db := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := db.Delete(&Payment{}).Error; err != nil {
		return err
	}

	return db.Delete(&Grant{}).Error
}

func (s *sqlStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
