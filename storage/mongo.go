package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/furkansenharputlu/f-license-validator/config"
)

const mongoTimeout = 5 * time.Second

type mongoStore struct {
	client   *mongo.Client
	payments *mongo.Collection
	grants   *mongo.Collection
}

// MongoURI builds the connection URI from the configured parts.
func MongoURI(m config.Mongo) string {
	return fmt.Sprintf("%s://%s:%d", m.Type, m.Host, m.Port)
}

// OpenMongo connects to the configured MongoDB deployment.
func OpenMongo(ctx context.Context, m config.Mongo) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opt := options.Client().ApplyURI(MongoURI(m))
	if m.Auth {
		opt.SetAuth(options.Credential{
			Username: m.Username,
			Password: m.Password,
		})
	}

	client, err := mongo.Connect(ctx, opt)
	if err != nil {
		logrus.WithError(err).Error("Problem while connecting to Mongo")
		return nil, errors.Wrap(err, "couldn't connect to mongo")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "couldn't reach mongo")
	}

	db := client.Database(m.DBName)
	s := &mongoStore{
		client:   client,
		payments: db.Collection("payments"),
		grants:   db.Collection("grants"),
	}

	_, err = s.grants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}, {Key: "package_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create grant index")
	}

	return s, nil
}

func (s *mongoStore) AddPayment(ctx context.Context, p *Payment) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.payments.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}

	return errors.Wrap(err, "couldn't insert payment")
}

func (s *mongoStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var p Payment
	err := s.payments.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get payment")
	}

	return &p, nil
}

func (s *mongoStore) ListPayments(ctx context.Context) ([]*Payment, error) {
	var payments []*Payment
	err := s.findAll(ctx, s.payments, &payments)
	return payments, errors.Wrap(err, "couldn't list payments")
}

func (s *mongoStore) ResolvePayment(ctx context.Context, id string, status PaymentStatus, reason string) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{"_id": id, "status": PaymentPending}
	update := bson.M{"$set": bson.M{"status": status, "reason": reason, "updated_at": time.Now().UTC()}}

	var p Payment
	err := s.payments.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&p)
	if err == mongo.ErrNoDocuments {
		existing, err := s.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyResolved
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't update payment")
	}

	return &p, nil
}

func (s *mongoStore) AddGrant(ctx context.Context, g *Grant) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{"username": g.Username, "package_id": g.PackageID}
	err := s.grants.FindOne(ctx, filter).Err()
	if err == nil {
		return ErrDuplicate
	}
	if err != mongo.ErrNoDocuments {
		return errors.Wrap(err, "couldn't check grants")
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()

	_, err = s.grants.UpdateOne(ctx, filter, bson.M{"$setOnInsert": g}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}

	return errors.Wrap(err, "couldn't insert grant")
}

func (s *mongoStore) FindGrant(ctx context.Context, username, packageID string) (*Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var g Grant
	err := s.grants.FindOne(ctx, bson.M{"username": username, "package_id": packageID}).Decode(&g)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get grant")
	}

	return &g, nil
}

func (s *mongoStore) ListGrants(ctx context.Context) ([]*Grant, error) {
	var grants []*Grant
	err := s.findAll(ctx, s.grants, &grants)
	return grants, errors.Wrap(err, "couldn't list grants")
}

func (s *mongoStore) DeleteGrant(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.grants.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "couldn't delete grant")
	}

	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *mongoStore) DropDatabase(ctx context.Context) error {
	if _, err := s.payments.DeleteMany(ctx, bson.D{}); err != nil {
		return err
	}

	_, err := s.grants.DeleteMany(ctx, bson.D{})
	return err
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) findAll(ctx context.Context, col *mongo.Collection, results interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cur, err := col.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	return cur.All(ctx, results)
}
