package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

const (
	databasesCollection = "couch_databases"
	documentsCollection = "couch_documents"
)

type mongoDatabase struct {
	Name      string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoAttachment struct {
	Name        string `bson:"name"`
	ContentType string `bson:"content_type"`
	Data        []byte `bson:"data"`
	Digest      string `bson:"digest"`
}

// mongoRecord keeps attachments as a list: their names may contain dots.
type mongoRecord struct {
	// ID is CalculateID(db, doc_id)
	ID          string            `bson:"_id"`
	DB          string            `bson:"db"`
	DocID       string            `bson:"doc_id"`
	Rev         string            `bson:"rev"`
	Body        []byte            `bson:"body"`
	Deleted     bool              `bson:"deleted"`
	Attachments []mongoAttachment `bson:"attachments,omitempty"`
	History     []string          `bson:"history,omitempty"`
}

func toMongo(db string, rec *Record) mongoRecord {
	doc := mongoRecord{
		ID:      CalculateID(db, rec.DocID),
		DB:      db,
		DocID:   rec.DocID,
		Rev:     rec.Rev,
		Body:    rec.Body,
		Deleted: rec.Deleted,
		History: rec.History,
	}
	for name, a := range rec.Attachments {
		doc.Attachments = append(doc.Attachments, mongoAttachment{
			Name: name, ContentType: a.ContentType, Data: a.Data, Digest: a.Digest,
		})
	}
	return doc
}

func (d *mongoRecord) record() *Record {
	rec := &Record{
		DocID:   d.DocID,
		Rev:     d.Rev,
		Body:    d.Body,
		Deleted: d.Deleted,
		History: d.History,
	}
	if len(d.Attachments) > 0 {
		rec.Attachments = make(map[string]Attachment, len(d.Attachments))
		for _, a := range d.Attachments {
			rec.Attachments[a.Name] = Attachment{ContentType: a.ContentType, Data: a.Data, Digest: a.Digest}
		}
	}
	return rec
}

// MongoBackend stores records in two collections of one MongoDB database.
// Writes are compare-and-swap on the stored revision.
type MongoBackend struct {
	client   *mongo.Client
	dbColl   *mongo.Collection
	docsColl *mongo.Collection
}

// NewMongoBackend uses db; the caller keeps ownership of its client unless
// the backend was built by OpenMongo.
func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{
		dbColl:   db.Collection(databasesCollection),
		docsColl: db.Collection(documentsCollection),
	}
}

// OpenMongo connects to uri, checks the server answers and prepares the
// indexes.
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	b := NewMongoBackend(client.Database(dbName))
	b.client = client
	if err := b.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return b, nil
}

// EnsureIndexes creates necessary indexes
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := m.docsColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "db", Value: 1}, {Key: "doc_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "ensure document index")
}

func (m *MongoBackend) CreateDatabase(ctx context.Context, db string) error {
	_, err := m.dbColl.InsertOne(ctx, mongoDatabase{Name: db, CreatedAt: time.Now()})
	if mongo.IsDuplicateKeyError(err) {
		return errDatabaseExists(db)
	}
	return err
}

func (m *MongoBackend) DeleteDatabase(ctx context.Context, db string) error {
	res, err := m.dbColl.DeleteOne(ctx, bson.M{"_id": db})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return errNoDatabase(db)
	}
	_, err = m.docsColl.DeleteMany(ctx, bson.M{"db": db})
	return err
}

func (m *MongoBackend) DatabaseExists(ctx context.Context, db string) (bool, error) {
	n, err := m.dbColl.CountDocuments(ctx, bson.M{"_id": db})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *MongoBackend) ListDatabases(ctx context.Context) ([]string, error) {
	cursor, err := m.dbColl.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var dbs []mongoDatabase
	if err := cursor.All(ctx, &dbs); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dbs))
	for _, d := range dbs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (m *MongoBackend) requireDatabase(ctx context.Context, db string) error {
	ok, err := m.DatabaseExists(ctx, db)
	if err != nil {
		return err
	}
	if !ok {
		return errNoDatabase(db)
	}
	return nil
}

func (m *MongoBackend) Get(ctx context.Context, db, id string) (*Record, error) {
	if err := m.requireDatabase(ctx, db); err != nil {
		return nil, err
	}
	var rec mongoRecord
	err := m.docsColl.FindOne(ctx, bson.M{"_id": CalculateID(db, id)}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errNoDocument(id)
		}
		return nil, err
	}
	return rec.record(), nil
}

func (m *MongoBackend) Put(ctx context.Context, db string, rec *Record, expectRev string) error {
	current, err := m.Get(ctx, db, rec.DocID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// a missing database fails again here; a missing document is a create
		if err := m.requireDatabase(ctx, db); err != nil {
			return err
		}
		current = nil
	case err != nil:
		return err
	}
	if err := checkRevision(current, expectRev); err != nil {
		return err
	}

	doc := toMongo(db, rec)
	if current == nil {
		_, err := m.docsColl.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return errConcurrentWrite(rec.DocID)
		}
		return err
	}

	res, err := m.docsColl.ReplaceOne(ctx, bson.M{"_id": doc.ID, "rev": current.Rev}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errConcurrentWrite(rec.DocID)
	}
	return nil
}

func (m *MongoBackend) List(ctx context.Context, db string) ([]*Record, error) {
	if err := m.requireDatabase(ctx, db); err != nil {
		return nil, err
	}
	cursor, err := m.docsColl.Find(ctx,
		bson.M{"db": db, "deleted": false},
		options.Find().SetSort(bson.D{{Key: "doc_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []mongoRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].record())
	}
	return out, nil
}

func (m *MongoBackend) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
