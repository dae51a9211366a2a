// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state reads the change feed of the Sealog MongoDB database.
package state

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/oceandatatools/sealog/core/changefeed"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

var logger = loggo.GetLogger("sealog.state")

const (
	opInsert  = "insert"
	opUpdate  = "update"
	opReplace = "replace"
	opDelete  = "delete"

	defaultDialTimeout = 10 * time.Second
)

// Dial connects to the MongoDB deployment at url and checks the primary
// answers. Failure to reach it is reported as StoreUnavailable.
func Dial(url string, timeout time.Duration) (*mongo.Client, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	opts := options.Client().
		ApplyURI(url).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetReadPreference(readpref.Primary())
	if err := opts.Validate(); err != nil {
		return nil, errors.Annotatef(err, "parsing mongo url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Annotatef(coreerrors.StoreUnavailable, "connecting to %v: %v", opts.Hosts, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotatef(coreerrors.StoreUnavailable, "pinging %v: %v", opts.Hosts, err)
	}
	return client, nil
}

// EnablePreImages turns on change stream pre-images for the collection so
// deletes and updates carry the document as it was before the change.
// It needs MongoDB 6.0 or later; without it the document key stands in
// for the previous document.
func EnablePreImages(ctx context.Context, client *mongo.Client, database, collection string) error {
	cmd := bson.D{
		{Key: "collMod", Value: collection},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	err := client.Database(database).RunCommand(ctx, cmd).Err()
	return errors.Annotatef(err, "enabling pre-images on %s.%s", database, collection)
}

// ChangeStream is the part of *mongo.ChangeStream the source reads from.
type ChangeStream interface {
	TryNext(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
	ResumeToken() bson.Raw
}

// WatchFunc opens a change stream on a collection.
type WatchFunc func(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (ChangeStream, error)

// ChangeStreamSourceConfig holds the parameters of a ChangeStreamSource.
type ChangeStreamSourceConfig struct {
	// Client is the connection every stream is opened on.
	Client *mongo.Client
	// Database is the Sealog database name, usually "sealogDB".
	Database string
	// Collection is the events collection name, usually "events".
	Collection string
	// AwaitTime bounds how long a single Next call waits for a change.
	AwaitTime time.Duration
	// WatchFunc can be overridden in tests to control what the stream
	// returns.
	WatchFunc WatchFunc
}

// Validate ensures that all the values that have to be set are set.
func (config ChangeStreamSourceConfig) Validate() error {
	if config.Client == nil && config.WatchFunc == nil {
		return errors.NotValidf("missing Client")
	}
	if config.Database == "" {
		return errors.NotValidf("missing Database")
	}
	if config.Collection == "" {
		return errors.NotValidf("missing Collection")
	}
	if config.AwaitTime < 0 {
		return errors.NotValidf("negative AwaitTime")
	}
	return nil
}

// ChangeStreamSource opens MongoDB change streams over one collection.
type ChangeStreamSource struct {
	config ChangeStreamSourceConfig
}

// NewChangeStreamSource returns a changefeed.Source over the configured
// collection.
func NewChangeStreamSource(config ChangeStreamSourceConfig) (*ChangeStreamSource, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new ChangeStreamSource invalid config")
	}
	if config.WatchFunc == nil {
		config.WatchFunc = watch
	}
	return &ChangeStreamSource{config: config}, nil
}

func watch(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (ChangeStream, error) {
	stream, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return stream, nil
}

// changePipeline limits the stream to the operations that map to records.
func changePipeline() mongo.Pipeline {
	return mongo.Pipeline{{
		{Key: "$match", Value: bson.D{{
			Key:   "operationType",
			Value: bson.D{{Key: "$in", Value: bson.A{opInsert, opUpdate, opReplace, opDelete}}},
		}}},
	}}
}

// changeStreamOptions asks for the current document on updates, the
// previous one where pre-images are enabled, and resumes after token.
func changeStreamOptions(awaitTime time.Duration, resumeAfter bson.Raw) *options.ChangeStreamOptions {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	if awaitTime > 0 {
		opts.SetMaxAwaitTime(awaitTime)
	}
	if resumeAfter != nil {
		opts.SetResumeAfter(resumeAfter)
	}
	return opts
}

// Open is part of the changefeed.Source interface. The resume token must
// be one previously returned in a ChangeRecord from this source.
func (s *ChangeStreamSource) Open(resumeAfter interface{}) (changefeed.Stream, error) {
	var token bson.Raw
	if resumeAfter != nil {
		var ok bool
		if token, ok = resumeAfter.(bson.Raw); !ok {
			return nil, errors.NotValidf("resume token %T", resumeAfter)
		}
	}

	var coll *mongo.Collection
	if s.config.Client != nil {
		coll = s.config.Client.Database(s.config.Database).Collection(s.config.Collection)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.config.WatchFunc(ctx, coll, changePipeline(), changeStreamOptions(s.config.AwaitTime, token))
	if err != nil {
		cancel()
		return nil, errors.Annotatef(err, "watching %s.%s", s.config.Database, s.config.Collection)
	}
	logger.Debugf("opened change stream on %s.%s (resuming: %v)", s.config.Database, s.config.Collection, token != nil)
	return &changeStream{ctx: ctx, cancel: cancel, stream: stream}, nil
}

// changeDocument is the subset of a change event we read.
type changeDocument struct {
	OperationType            string `bson:"operationType"`
	FullDocument             bson.M `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
	DocumentKey              bson.M `bson:"documentKey"`
}

type changeStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream ChangeStream
	err    error
}

// Next is part of the changefeed.Stream interface. Change events that do
// not map to a record are skipped.
func (s *changeStream) Next(record *changefeed.ChangeRecord) bool {
	for s.stream.TryNext(s.ctx) {
		var doc changeDocument
		if err := s.stream.Decode(&doc); err != nil {
			s.err = errors.Annotate(err, "decoding change event")
			return false
		}
		r, ok := recordFromChange(doc)
		if !ok {
			continue
		}
		if token := s.stream.ResumeToken(); token != nil {
			r.Token = append(bson.Raw(nil), token...)
		}
		*record = r
		return true
	}
	return false
}

// Err is part of the changefeed.Stream interface.
func (s *changeStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return errors.Trace(s.stream.Err())
}

// Close is part of the changefeed.Stream interface. It may be called
// while Next is blocked.
func (s *changeStream) Close() error {
	s.cancel()
	return errors.Trace(s.stream.Close(context.Background()))
}

// recordFromChange maps a change event onto the old/new record shape:
//
//	insert          old = nil,               new = full document
//	update/replace  old = previous document, new = full document
//	delete          old = previous document, new = nil
//
// The previous document is the pre-image when the collection records
// them, otherwise its key.
func recordFromChange(doc changeDocument) (changefeed.ChangeRecord, bool) {
	previous := doc.FullDocumentBeforeChange
	if previous == nil {
		previous = doc.DocumentKey
	}
	switch doc.OperationType {
	case opInsert:
		if doc.FullDocument == nil {
			break
		}
		return changefeed.ChangeRecord{New: normalizeDocument(doc.FullDocument)}, true
	case opUpdate, opReplace:
		if doc.FullDocument == nil {
			// The document was removed before the lookup; the delete
			// follows in the stream.
			logger.Debugf("skipping %s of %v with no current document", doc.OperationType, doc.DocumentKey)
			return changefeed.ChangeRecord{}, false
		}
		if previous == nil {
			break
		}
		return changefeed.ChangeRecord{
			Old: normalizeDocument(previous),
			New: normalizeDocument(doc.FullDocument),
		}, true
	case opDelete:
		if previous == nil {
			break
		}
		return changefeed.ChangeRecord{Old: normalizeDocument(previous)}, true
	}
	logger.Tracef("skipping %q change event", doc.OperationType)
	return changefeed.ChangeRecord{}, false
}

// normalizeDocument converts a BSON document to the shape the Sealog
// clients expect: object ids become hex strings, dates become UTC times
// and "_id" is exposed as "id".
func normalizeDocument(m bson.M) changefeed.Document {
	doc := make(changefeed.Document, len(m))
	for k, v := range m {
		if k == "_id" {
			k = "id"
		}
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v interface{}) interface{} {
	switch v := v.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case bson.M:
		return normalizeNested(v)
	case map[string]interface{}:
		return normalizeNested(v)
	case bson.D:
		m := make(map[string]interface{}, len(v))
		for _, elem := range v {
			m[elem.Key] = normalizeValue(elem.Value)
		}
		return m
	case bson.A:
		return normalizeSlice(v)
	case []interface{}:
		return normalizeSlice(v)
	}
	return v
}

func normalizeNested(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = normalizeValue(v)
	}
	return result
}

func normalizeSlice(s []interface{}) []interface{} {
	result := make([]interface{}, len(s))
	for i, elem := range s {
		result[i] = normalizeValue(elem)
	}
	return result
}
