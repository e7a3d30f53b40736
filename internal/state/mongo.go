package state

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the MongoDB-backed Store used in deployments.
type MongoStore struct {
	client     *mongo.Client
	database   *mongo.Database
	studies    *mongo.Collection
	executions *mongo.Collection
	results    *mongo.Collection
}

// NewMongoStore connects to MongoDB and ensures indexes.
func NewMongoStore(uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)

	store := &MongoStore{
		client:     client,
		database:   db,
		studies:    db.Collection("studies"),
		executions: db.Collection("executions"),
		results:    db.Collection("results"),
	}

	if err := store.createIndexes(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for the collections.
//
// The partial unique index on executions.study_id is the serialization
// guard: only documents with active=true participate, so a second
// insert for a study with a live execution fails with a duplicate key
// error regardless of how many requests race.
func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.studies.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create studies indexes: %w", err)
	}

	_, err = s.executions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "study_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("one_active_execution_per_study").
				SetPartialFilterExpression(bson.M{"active": bson.M{"$eq": true}}),
		},
		{
			Keys: bson.D{{Key: "study_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().
				SetName("executions_by_study"),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create executions indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Study operations

func (s *MongoStore) SaveStudy(ctx context.Context, study *Study) error {
	_, err := s.studies.InsertOne(ctx, study)
	return err
}

func (s *MongoStore) GetStudy(ctx context.Context, id string) (*Study, error) {
	var study Study
	err := s.studies.FindOne(ctx, bson.M{"_id": id}).Decode(&study)
	if err == mongo.ErrNoDocuments {
		return nil, ErrStudyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &study, nil
}

func (s *MongoStore) ListStudies(ctx context.Context) ([]StudySummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"script": 0})

	cursor, err := s.studies.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var studies []StudySummary
	if err := cursor.All(ctx, &studies); err != nil {
		return nil, err
	}
	return studies, nil
}

// Execution operations

func (s *MongoStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.executions.InsertOne(ctx, exec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrActiveExecution
	}
	return err
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&exec)
	if err == mongo.ErrNoDocuments {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *MongoStore) ListExecutions(ctx context.Context, studyID string) ([]Execution, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := s.executions.Find(ctx, bson.M{"study_id": studyID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var execs []Execution
	if err := cursor.All(ctx, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *MongoStore) ListActiveExecutions(ctx context.Context) ([]Execution, error) {
	cursor, err := s.executions.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var execs []Execution
	if err := cursor.All(ctx, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *MongoStore) MarkExecutionRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.executions.UpdateOne(ctx,
		bson.M{"_id": id, "status": ExecutionPending},
		bson.M{"$set": bson.M{
			"status":     ExecutionRunning,
			"started_at": now,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

func (s *MongoStore) SetExecutionLog(ctx context.Context, id, logText string) error {
	res, err := s.executions.UpdateOne(ctx,
		bson.M{"_id": id, "active": true},
		bson.M{"$set": bson.M{"log": logText}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

func (s *MongoStore) CompleteExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("non-terminal status %q in completion", update.Status)
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":       update.Status,
		"active":       false,
		"log":          update.Log,
		"exit_code":    update.ExitCode,
		"completed_at": now,
	}
	if update.ErrorMessage != "" {
		set["error_message"] = update.ErrorMessage
	}

	res, err := s.executions.UpdateOne(ctx,
		bson.M{"_id": id, "active": true},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

// missingOrTerminal distinguishes an unknown execution from one whose
// terminal state rejected the filtered update.
func (s *MongoStore) missingOrTerminal(ctx context.Context, id string) error {
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Err()
	if err == mongo.ErrNoDocuments {
		return ErrExecutionNotFound
	}
	if err != nil {
		return err
	}
	return ErrExecutionTerminal
}

// Result operations

func (s *MongoStore) PutResult(ctx context.Context, executionID string, payload []byte) error {
	result := &Result{
		ExecutionID: executionID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.results.InsertOne(ctx, result)
	if mongo.IsDuplicateKeyError(err) {
		existing, getErr := s.GetResult(ctx, executionID)
		if getErr != nil {
			return getErr
		}
		if bytes.Equal(existing, payload) {
			return nil
		}
		return ErrResultMismatch
	}
	return err
}

func (s *MongoStore) GetResult(ctx context.Context, executionID string) ([]byte, error) {
	var result Result
	err := s.results.FindOne(ctx, bson.M{"_id": executionID}).Decode(&result)
	if err == mongo.ErrNoDocuments {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return result.Payload, nil
}
