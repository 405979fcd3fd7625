package session

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongopkg "github.com/troikatech/call-escalation/pkg/mongo"
	"github.com/troikatech/call-escalation/pkg/otel"
)

const (
	callsCollection       = "calls"
	transcriptsCollection = "transcripts"
	escalationsCollection = "escalations"
)

// MongoStore implements Store on MongoDB. Merges run as aggregation-pipeline
// updates so each webhook is one atomic round trip.
type MongoStore struct {
	client *mongopkg.Client
}

func NewMongoStore(ctx context.Context, client *mongopkg.Client) (*MongoStore, error) {
	s := &MongoStore{client: client}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, unavailable("ensure indexes", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if err := s.client.EnsureIndexes(ctx, callsCollection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_key", Value: 1}}, Options: unique},
	}); err != nil {
		return err
	}
	if err := s.client.EnsureIndexes(ctx, transcriptsCollection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_key", Value: 1}}, Options: unique},
	}); err != nil {
		return err
	}
	return s.client.EnsureIndexes(ctx, escalationsCollection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "secondary_call_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"secondary_call_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "parent_call_key", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
}

func (s *MongoStore) span(ctx context.Context, collection, op string, fn func(ctx context.Context) error) error {
	return otel.WithDBSpan(ctx, "mongodb", collection, op, fn)
}

// lit keeps user strings that start with "$" from being read as field paths.
func lit(v interface{}) bson.M {
	return bson.M{"$literal": v}
}

func ifNull(field string, fallback interface{}) bson.M {
	return bson.M{"$ifNull": bson.A{field, fallback}}
}

func (s *MongoStore) UpsertCallRecord(ctx context.Context, rec CallRecord) (*CallRecord, error) {
	if rec.ConversationKey == "" {
		return nil, errEmptyKey
	}
	now := time.Now().UTC()

	id := rec.ID
	if id == "" {
		id = NewID()
	}
	set := bson.M{
		"conversation_key": rec.ConversationKey,
		"id":               ifNull("$id", id),
		"created_at":       ifNull("$created_at", now),
		"updated_at":       now,
	}
	for field, value := range map[string]string{
		"provider":            rec.Provider,
		"direction":           string(rec.Direction),
		"counterparty_number": rec.CounterpartyNumber,
		"topic":               rec.Topic,
		"recording_url":       rec.RecordingURL,
	} {
		if value != "" {
			set[field] = lit(value)
		}
	}
	if rec.Status != "" {
		set["status"] = bson.M{"$cond": bson.A{
			bson.M{"$in": bson.A{"$status", rec.Status.atLeast()}},
			"$status",
			lit(string(rec.Status)),
		}}
	}
	if rec.StartedAt != nil {
		set["started_at"] = lit(rec.StartedAt.UTC())
	}
	if rec.EndedAt != nil {
		set["ended_at"] = lit(rec.EndedAt.UTC())
	}

	switch {
	case rec.DurationSeconds != nil:
		set["duration_seconds"] = lit(*rec.DurationSeconds)
		set["duration_minutes"] = lit(*rec.DurationMinutes)
		set["needs_review"] = false
	case rec.NeedsReview:
		set["duration_seconds"] = ifNull("$duration_seconds", 0)
		set["duration_minutes"] = ifNull("$duration_minutes", 0)
		set["needs_review"] = bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$type": "$duration_seconds"}, "missing"}},
			true,
			ifNull("$needs_review", false),
		}}
	default:
		set["needs_review"] = ifNull("$needs_review", false)
	}

	update := bson.A{bson.M{"$set": set}}
	var out CallRecord
	err := s.span(ctx, callsCollection, "UPSERT", func(ctx context.Context) error {
		return s.upsertRetry(ctx, callsCollection, "conversation_key", rec.ConversationKey, update, &out)
	})
	if err != nil {
		return nil, unavailable("upsert call record", err)
	}
	return &out, nil
}

// upsertRetry retries once on a duplicate key: two concurrent upserts for a
// new key both miss and both insert, and the loser must apply as an update.
func (s *MongoStore) upsertRetry(ctx context.Context, collection, field, key string, update interface{}, out interface{}) error {
	err := s.client.NewQuery(collection).Eq(field, key).FindOneAndUpsert(ctx, update, out)
	if mongopkg.IsDuplicateKey(err) {
		err = s.client.NewQuery(collection).Eq(field, key).FindOneAndUpsert(ctx, update, out)
	}
	return err
}

func (s *MongoStore) AppendOrCreateTranscript(ctx context.Context, key string, frag Fragment) (*Transcript, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	now := time.Now().UTC()
	fk := FragmentKey(key, frag)

	applied := bson.M{"$in": bson.A{fk, ifNull("$fragments.key", bson.A{})}}

	var appendedText interface{}
	if frag.Text == "" {
		appendedText = ifNull("$text", "")
	} else {
		appendedText = bson.M{"$cond": bson.A{
			bson.M{"$gt": bson.A{bson.M{"$strLenCP": ifNull("$text", "")}, 0}},
			bson.M{"$concat": bson.A{"$text", transcriptSeparator, lit(frag.Text)}},
			lit(frag.Text),
		}}
	}

	ref := bson.M{"key": lit(fk), "at": lit(frag.At.UTC())}
	set := bson.M{
		"conversation_key": key,
		"created_at":       ifNull("$created_at", now),
		"text":             bson.M{"$cond": bson.A{applied, ifNull("$text", ""), appendedText}},
		"fragments": bson.M{"$cond": bson.A{
			applied,
			"$fragments",
			bson.M{"$concatArrays": bson.A{ifNull("$fragments", bson.A{}), bson.A{ref}}},
		}},
		"sales_flagged": bson.M{"$or": bson.A{ifNull("$sales_flagged", false), IsSalesText(frag.Text)}},
		"updated_at":    bson.M{"$cond": bson.A{applied, "$updated_at", now}},
	}

	var out Transcript
	err := s.span(ctx, transcriptsCollection, "APPEND", func(ctx context.Context) error {
		return s.upsertRetry(ctx, transcriptsCollection, "conversation_key", key, bson.A{bson.M{"$set": set}}, &out)
	})
	if err != nil {
		return nil, unavailable("append transcript", err)
	}
	if !out.SalesFlagged && IsSalesText(out.Text) {
		err = s.span(ctx, transcriptsCollection, "FLAG", func(ctx context.Context) error {
			_, err := s.client.NewQuery(transcriptsCollection).
				Eq("conversation_key", key).
				UpdateOne(ctx, bson.M{"$set": bson.M{"sales_flagged": true}})
			return err
		})
		if err != nil {
			return nil, unavailable("flag transcript", err)
		}
		out.SalesFlagged = true
	}
	return &out, nil
}

func (s *MongoStore) UpsertEscalationRequest(ctx context.Context, req EscalationRequest) error {
	if err := validateEscalation(req); err != nil {
		return err
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	err := s.span(ctx, escalationsCollection, "INSERT", func(ctx context.Context) error {
		_, err := s.client.Collection(escalationsCollection).UpdateOne(ctx,
			bson.M{"id": req.ID},
			bson.M{"$setOnInsert": req},
			options.Update().SetUpsert(true),
		)
		return err
	})
	if mongopkg.IsDuplicateKey(err) {
		// Same id inserted concurrently, or the secondary call key belongs to
		// another escalation.
		existing, ferr := s.GetEscalation(ctx, req.ID)
		if ferr != nil {
			return ferr
		}
		if existing == nil {
			return ErrConflict
		}
		return nil
	}
	if err != nil {
		return unavailable("upsert escalation", err)
	}
	return nil
}

func (s *MongoStore) findEscalation(ctx context.Context, q *mongopkg.QueryBuilder) (*EscalationRequest, error) {
	var out EscalationRequest
	var found bool
	err := s.span(ctx, escalationsCollection, "SELECT", func(ctx context.Context) error {
		var err error
		found, err = q.FindOne(ctx, &out)
		return err
	})
	if err != nil {
		return nil, unavailable("find escalation", err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (s *MongoStore) FindEscalationByParentKey(ctx context.Context, parentKey string) (*EscalationRequest, error) {
	return s.findEscalation(ctx, s.client.NewQuery(escalationsCollection).
		Eq("parent_call_key", parentKey).
		Sort("created_at", false).
		Sort("id", false))
}

func (s *MongoStore) FindEscalationBySecondaryKey(ctx context.Context, secondaryKey string) (*EscalationRequest, error) {
	if secondaryKey == "" {
		return nil, nil
	}
	return s.findEscalation(ctx, s.client.NewQuery(escalationsCollection).Eq("secondary_call_key", secondaryKey))
}

func (s *MongoStore) GetEscalation(ctx context.Context, id string) (*EscalationRequest, error) {
	return s.findEscalation(ctx, s.client.NewQuery(escalationsCollection).Eq("id", id))
}

func (s *MongoStore) listEscalations(ctx context.Context, q *mongopkg.QueryBuilder) ([]EscalationRequest, error) {
	var out []EscalationRequest
	err := s.span(ctx, escalationsCollection, "SELECT", func(ctx context.Context) error {
		return q.FindAll(ctx, &out)
	})
	if err != nil {
		return nil, unavailable("list escalations", err)
	}
	return out, nil
}

func (s *MongoStore) ListEscalationsByParent(ctx context.Context, parentKey string, limit int) ([]EscalationRequest, error) {
	q := s.client.NewQuery(escalationsCollection).
		Eq("parent_call_key", parentKey).
		Sort("created_at", false).
		Sort("id", false)
	if limit > 0 {
		q.Limit(int64(limit))
	}
	return s.listEscalations(ctx, q)
}

func (s *MongoStore) ListPendingEscalations(ctx context.Context, createdBefore time.Time, limit int) ([]EscalationRequest, error) {
	q := s.client.NewQuery(escalationsCollection).
		Eq("status", string(EscalationPending)).
		Lt("created_at", createdBefore.UTC()).
		Sort("created_at", true)
	if limit > 0 {
		q.Limit(int64(limit))
	}
	return s.listEscalations(ctx, q)
}

func (s *MongoStore) ClaimEscalationRelay(ctx context.Context, id string, at time.Time) (bool, error) {
	var matched bool
	err := s.span(ctx, escalationsCollection, "CLAIM", func(ctx context.Context) error {
		var err error
		matched, err = s.client.NewQuery(escalationsCollection).
			Eq("id", id).
			Eq("status", string(EscalationPending)).
			IsNull("relay_claimed_at").
			UpdateOne(ctx, bson.M{"$set": bson.M{
				"relay_claimed_at": at.UTC(),
				"updated_at":       time.Now().UTC(),
			}})
		return err
	})
	if err != nil {
		return false, unavailable("claim escalation", err)
	}
	return matched, nil
}

func (s *MongoStore) TransitionEscalation(ctx context.Context, id string, t Transition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := bson.M{
		"status":       string(t.To),
		"completed_at": at,
		"updated_at":   at,
	}
	if t.Answer != "" {
		set["answer"] = t.Answer
	}
	if t.FailureReason != "" {
		set["failure_reason"] = t.FailureReason
	}

	var matched bool
	err := s.span(ctx, escalationsCollection, "TRANSITION", func(ctx context.Context) error {
		var err error
		matched, err = s.client.NewQuery(escalationsCollection).
			Eq("id", id).
			Eq("status", string(EscalationPending)).
			UpdateOne(ctx, bson.M{"$set": set})
		return err
	})
	if err != nil {
		return false, unavailable("transition escalation", err)
	}
	return matched, nil
}

func (s *MongoStore) GetCallRecord(ctx context.Context, key string) (*CallRecord, error) {
	var out CallRecord
	var found bool
	err := s.span(ctx, callsCollection, "SELECT", func(ctx context.Context) error {
		var err error
		found, err = s.client.NewQuery(callsCollection).Eq("conversation_key", key).FindOne(ctx, &out)
		return err
	})
	if err != nil {
		return nil, unavailable("get call record", err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (s *MongoStore) GetTranscript(ctx context.Context, key string) (*Transcript, error) {
	var out Transcript
	var found bool
	err := s.span(ctx, transcriptsCollection, "SELECT", func(ctx context.Context) error {
		var err error
		found, err = s.client.NewQuery(transcriptsCollection).Eq("conversation_key", key).FindOne(ctx, &out)
		return err
	})
	if err != nil {
		return nil, unavailable("get transcript", err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
