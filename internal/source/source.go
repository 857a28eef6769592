// Package source fetches hourly index observations from the upstream data
// store and normalizes them into market time.
package source

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/model"
)

// DefaultDatabase is the upstream database holding one collection per market.
const DefaultDatabase = "indexes2"

// Source loads a market's full index series.
type Source interface {
	Fetch(ctx context.Context, m market.Market) ([]model.IndexRecord, error)
}

// Record is one upstream document.
type Record struct {
	Date  time.Time `bson:"Date"`
	Hour  int       `bson:"Hour"`
	Index float64   `bson:"Index"`
	Time  int64     `bson:"Time"`
}

// MongoSource reads the {city}_{type} collections of a MongoDB database.
type MongoSource struct {
	db *mongo.Database
}

// NewMongoSource creates a source over the named database.
func NewMongoSource(client *mongo.Client, database string) *MongoSource {
	if database == "" {
		database = DefaultDatabase
	}
	return &MongoSource{db: client.Database(database)}
}

// Fetch implements Source.
func (s *MongoSource) Fetch(ctx context.Context, m market.Market) ([]model.IndexRecord, error) {
	coll := s.db.Collection(m.Key())

	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", m.Key(), err)
	}
	defer cursor.Close(ctx)

	var docs []Record
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Key(), err)
	}
	return Normalize(docs, m), nil
}

// Normalize re-stamps each record's wall-clock date as UTC, shifts it by the
// market's timezone hours and delay days, and sorts ascending by time.
// Records with a non-finite index are dropped.
func Normalize(docs []Record, m market.Market) []model.IndexRecord {
	shift := time.Duration(m.Timezone*float64(time.Hour)) + time.Duration(m.TimeDelay)*24*time.Hour
	key := m.Key()

	records := make([]model.IndexRecord, 0, len(docs))
	for _, doc := range docs {
		if math.IsNaN(doc.Index) || math.IsInf(doc.Index, 0) {
			continue
		}
		d := doc.Date
		at := time.Date(d.Year(), d.Month(), d.Day(), d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), time.UTC)
		records = append(records, model.IndexRecord{
			Market: key,
			Time:   at.Add(shift),
			Hour:   doc.Hour,
			Value:  decimal.NewFromFloat(doc.Index),
		})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	return records
}
