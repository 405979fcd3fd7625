package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// QueryBuilder is a small fluent wrapper for filter/sort/limit reads and
// single-document writes against one collection.
type QueryBuilder struct {
	collection *mongo.Collection
	filter     bson.M
	sort       bson.D
	limit      *int64
}

func (c *Client) NewQuery(collectionName string) *QueryBuilder {
	return &QueryBuilder{
		collection: c.Collection(collectionName),
		filter:     bson.M{},
	}
}

func (q *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	q.filter[field] = value
	return q
}

// IsNull matches documents where field is null or missing.
func (q *QueryBuilder) IsNull(field string) *QueryBuilder {
	q.filter[field] = nil
	return q
}

func (q *QueryBuilder) Lt(field string, value interface{}) *QueryBuilder {
	return q.op(field, "$lt", value)
}

func (q *QueryBuilder) op(field, operator string, value interface{}) *QueryBuilder {
	if existing, ok := q.filter[field].(bson.M); ok {
		existing[operator] = value
		return q
	}
	q.filter[field] = bson.M{operator: value}
	return q
}

func (q *QueryBuilder) Limit(limit int64) *QueryBuilder {
	q.limit = &limit
	return q
}

func (q *QueryBuilder) Sort(field string, ascending bool) *QueryBuilder {
	direction := 1
	if !ascending {
		direction = -1
	}
	q.sort = append(q.sort, bson.E{Key: field, Value: direction})
	return q
}

// FindAll decodes all matches into out, which must be a pointer to a slice.
func (q *QueryBuilder) FindAll(ctx context.Context, out interface{}) error {
	opts := options.Find()
	if q.limit != nil {
		opts.SetLimit(*q.limit)
	}
	if len(q.sort) > 0 {
		opts.SetSort(q.sort)
	}

	cursor, err := q.collection.Find(ctx, q.filter, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	return cursor.All(ctx, out)
}

// FindOne decodes the first match into out. It reports false when nothing matched.
func (q *QueryBuilder) FindOne(ctx context.Context, out interface{}) (bool, error) {
	opts := options.FindOne()
	if len(q.sort) > 0 {
		opts.SetSort(q.sort)
	}

	err := q.collection.FindOne(ctx, q.filter, opts).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateOne applies update (a full update document, e.g. {"$set": ...}) to
// the first match and reports whether a document matched.
func (q *QueryBuilder) UpdateOne(ctx context.Context, update interface{}) (bool, error) {
	res, err := q.collection.UpdateOne(ctx, q.filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// FindOneAndUpsert applies update with upsert and decodes the resulting
// document into out.
func (q *QueryBuilder) FindOneAndUpsert(ctx context.Context, update interface{}, out interface{}) error {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	return q.collection.FindOneAndUpdate(ctx, q.filter, update, opts).Decode(out)
}

// IsDuplicateKey reports a unique index violation, which upserts hit when two
// writers race to insert the same key.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
