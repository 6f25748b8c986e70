package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoRecordDoc is the BSON schema for one small-cache record on the server.
type mongoRecordDoc struct {
	ID        string    `json:"_id" bson:"_id"`
	Tag       string    `json:"tag" bson:"tag"`
	Key       string    `json:"key" bson:"key"`
	Payload   bson.Raw  `json:"payload" bson:"payload"`
	Filters   bson.M    `json:"filters" bson:"filters,omitempty"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// mongoMutationDoc journals an applied mutation; replays are idempotent by
// mutation id.
type mongoMutationDoc struct {
	ID        string    `json:"_id" bson:"_id"`
	Kind      string    `json:"kind" bson:"kind"`
	TargetID  string    `json:"target_id" bson:"target_id"`
	Payload   string    `json:"payload" bson:"payload"`
	AppliedAt time.Time `json:"applied_at" bson:"applied_at"`
}

// MongoRemote implements Remote against the platform's MongoDB store, for
// deployments that sync directly with the database instead of an API tier.
// Asset payloads still come from their CDN URLs over HTTP.
// The caller owns the mongo.Client lifecycle.
type MongoRemote struct {
	Records   *mongo.Collection
	Assets    *mongo.Collection
	Mutations *mongo.Collection
	HTTP      *http.Client
}

// NewMongoRemote creates a Mongo-backed remote over a database's standard
// collections (records, assets, mutations).
func NewMongoRemote(db *mongo.Database) *MongoRemote {
	return &MongoRemote{
		Records:   db.Collection("records"),
		Assets:    db.Collection("assets"),
		Mutations: db.Collection("mutations"),
		HTTP:      &http.Client{Timeout: defaultRemoteTimeout},
	}
}

func (r *MongoRemote) FetchCollection(ctx context.Context, tag CollectionTag, filters map[string]string) ([]Record, error) {
	query := bson.M{"tag": string(tag)}
	for k, v := range filters {
		query["filters."+k] = v
	}

	cursor, err := r.Records.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrNetworkUnavailable, tag, err)
	}
	defer cursor.Close(ctx)

	out := make([]Record, 0)
	for cursor.Next(ctx) {
		var doc mongoRecordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record for %s: %w", tag, err)
		}
		payload, err := bson.MarshalExtJSON(doc.Payload, false, false)
		if err != nil {
			return nil, fmt.Errorf("encode record payload for %s/%s: %w", tag, doc.Key, err)
		}
		out = append(out, Record{
			Key:      doc.Key,
			Tag:      tag,
			Payload:  json.RawMessage(payload),
			CachedAt: doc.UpdatedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %v", ErrNetworkUnavailable, tag, err)
	}
	return out, nil
}

func (r *MongoRemote) FetchAssetBlob(ctx context.Context, blobURL string) (io.ReadCloser, int64, error) {
	client := r.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create asset request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch asset: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch asset %s: status %d", blobURL, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (r *MongoRemote) ApplyMutation(ctx context.Context, m Mutation) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown mutation kind %q", ErrSyncRejected, m.Kind)
	}

	doc := mongoMutationDoc{
		ID:        m.ID,
		Kind:      string(m.Kind),
		TargetID:  m.TargetID,
		Payload:   string(m.Payload),
		AppliedAt: time.Now().UTC(),
	}

	// idempotent replay: the same mutation id replaces its own journal entry
	_, err := r.Mutations.ReplaceOne(ctx,
		bson.M{"_id": m.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%w: apply mutation %s: %v", ErrNetworkUnavailable, m.ID, err)
	}
	return nil
}

func (r *MongoRemote) GetServerVersion(ctx context.Context, assetID string) (int64, error) {
	var doc struct {
		Version int64 `bson:"version" json:"version"`
	}
	err := r.Assets.FindOne(ctx, bson.M{"_id": assetID},
		options.FindOne().SetProjection(bson.M{"version": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
		}
		return 0, fmt.Errorf("%w: server version for %s: %v", ErrNetworkUnavailable, assetID, err)
	}
	return doc.Version, nil
}
