package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Saga struct {
	ID        string                 `bson:"_id"`
	Type      string                 `bson:"type"`
	State     map[string]interface{} `bson:"state"`
	Revision  int                    `bson:"revision"`
	CreatedAt time.Time              `bson:"createdAt"`
}

type Correlation struct {
	SagaType    string    `bson:"sagaType"`
	MessageType string    `bson:"messageType"`
	Value       string    `bson:"value"`
	InstanceID  string    `bson:"instanceId"`
	CreatedAt   time.Time `bson:"createdAt"`
}

type Index struct {
	Name             string `bson:"name"`
	ExpiresInSeconds *int32 `bson:"expireAfterSeconds,omitempty"`
}

/*
MongoStore keeps saga instances in one collection and their correlation entries in a second collection
named "<collection>_correlations". A unique compound index on the correlation key rejects duplicate correlations.
*/
type MongoStore struct {
	client       *mongo.Client
	collection   *mongo.Collection
	correlations *mongo.Collection
	transactions bool
	maxCommit    time.Duration
}

func (store *MongoStore) ensureCompoundIndex() error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sagaType", Value: 1}, {Key: "messageType", Value: 1}, {Key: "value", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("SagaType_MessageType_Value_Compound"),
		},
		{
			Keys:    bson.D{{Key: "sagaType", Value: 1}, {Key: "instanceId", Value: 1}},
			Options: options.Index().SetName("SagaType_InstanceId"),
		},
	}

	_, err := store.correlations.Indexes().CreateMany(context.Background(), indexes)
	if err != nil {
		return err
	}
	return nil
}

func CreateMongoStore(client *mongo.Client, database string, collection string, options ...func(mongoStore *MongoStore) error) (*MongoStore, error) {
	store := &MongoStore{
		client:       client,
		collection:   client.Database(database).Collection(collection),
		correlations: client.Database(database).Collection(collection + "_correlations"),
		maxCommit:    15 * time.Second,
	}
	err := store.ensureCompoundIndex()
	if err != nil {
		return nil, err
	}
	for _, option := range options {
		err = option(store)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

//Commit the writes of one dispatch in a MongoDB transaction. Requires a replica set.
func UseTransactions() func(*MongoStore) error {
	return func(store *MongoStore) error {
		store.transactions = true
		return nil
	}
}

/*
Remove sagas that were created more than the given seconds ago. Their correlation entries expire with the same
TTL so later messages do not resolve to a removed instance.
*/
func ExpireInSeconds(seconds int32) func(*MongoStore) error {
	return func(store *MongoStore) error {
		for _, collection := range []*mongo.Collection{store.collection, store.correlations} {
			if err := ensureTTLIndex(collection, seconds); err != nil {
				return err
			}
		}
		return nil
	}
}

func ensureTTLIndex(collection *mongo.Collection, seconds int32) error {
	cur, err := collection.Indexes().List(context.Background())
	if err != nil {
		return err
	}
	var results []Index
	err = cur.All(context.Background(), &results)
	if err != nil {
		return err
	}

	indexName := "ExpireSaga"
	for _, r := range results {
		if r.Name == indexName && r.ExpiresInSeconds != nil && *r.ExpiresInSeconds == seconds {
			return nil
		}
	}

	//Drop in case index exists with different TTL
	_, _ = collection.Indexes().DropOne(context.Background(), indexName)

	index := mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(seconds).
			SetName(indexName),
	}

	_, err = collection.Indexes().CreateOne(context.Background(), index)
	return err
}

func (store *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !store.transactions {
		return fn(ctx)
	}

	session, err := store.client.StartSession(options.Session().SetDefaultMaxCommitTime(&store.maxCommit))
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (store *MongoStore) Load(ctx context.Context, id string) (*saga.Instance, error) {
	s := new(Saga)
	err := store.collection.FindOne(ctx, bson.M{"_id": id}).Decode(s)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if s.State == nil {
		s.State = make(map[string]interface{})
	}
	return &saga.Instance{
		ID:        s.ID,
		Type:      s.Type,
		Revision:  s.Revision,
		State:     s.State,
		CreatedAt: s.CreatedAt,
	}, nil
}

func (store *MongoStore) Create(ctx context.Context, sagaType string, state map[string]interface{}) (string, error) {
	s := &Saga{
		ID:        uuid.New().String(),
		Type:      sagaType,
		State:     state,
		Revision:  0,
		CreatedAt: time.Now().UTC(),
	}
	_, err := store.collection.InsertOne(ctx, s)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (store *MongoStore) Save(ctx context.Context, id string, state map[string]interface{}, revision int) error {
	result, err := store.collection.UpdateOne(ctx,
		bson.M{"_id": id, "revision": revision},
		bson.M{"$set": bson.M{"state": state}, "$inc": bson.M{"revision": 1}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.conflict(ctx, id, revision)
	}
	return nil
}

func (store *MongoStore) Delete(ctx context.Context, id string, revision int) error {
	result, err := store.collection.DeleteOne(ctx, bson.M{"_id": id, "revision": revision})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return store.conflict(ctx, id, revision)
	}
	return nil
}

func (store *MongoStore) conflict(ctx context.Context, id string, revision int) error {
	count, err := store.collection.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
	}
	return fmt.Errorf("%w: instance %s is no longer at revision %d", saga.ErrConcurrentModification, id, revision)
}

func (store *MongoStore) Find(ctx context.Context, sagaType string, messageType string, value string) (string, error) {
	c := new(Correlation)
	err := store.correlations.FindOne(ctx, bson.M{"sagaType": sagaType, "messageType": messageType, "value": value}).Decode(c)
	if err == mongo.ErrNoDocuments {
		return "", fmt.Errorf("%w: %s correlation for %s=%s", saga.ErrNotFound, sagaType, messageType, value)
	}
	if err != nil {
		return "", err
	}
	return c.InstanceID, nil
}

//Register upserts the entry of this instance. If another instance owns the key the unique index rejects the insert.
func (store *MongoStore) Register(ctx context.Context, sagaType string, messageType string, value string, id string) error {
	filter := bson.M{"sagaType": sagaType, "messageType": messageType, "value": value, "instanceId": id}
	update := bson.M{"$setOnInsert": bson.M{"createdAt": time.Now().UTC()}}
	_, err := store.correlations.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s %s=%s", saga.ErrDuplicateCorrelation, sagaType, messageType, value)
	}
	return err
}

func (store *MongoStore) Remove(ctx context.Context, sagaType string, id string) error {
	_, err := store.correlations.DeleteMany(ctx, bson.M{"sagaType": sagaType, "instanceId": id})
	return err
}
