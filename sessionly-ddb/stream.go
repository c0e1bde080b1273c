package sessionlyddb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/rs/zerolog"
	"github.com/savaki/ddb"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"golang.org/x/sync/errgroup"
)

type InsertCallback func(ctx context.Context, newValue map[string]*dynamodb.AttributeValue) error

// StreamHandler reacts to items inserted into a table, either as a DynamoDB
// stream Lambda trigger or, in console mode, by reading the stream shards
// directly. Modifications and TTL removals are skipped.
type StreamHandler struct {
	Logger   zerolog.Logger
	OnInsert InsertCallback
}

func (h *StreamHandler) Start(sess *session.Session, tableName string) error {
	if sessionlycli.CommonOpts.Console {
		return h.readStream(context.Background(), sess, tableName)
	}
	lambda.Start(h.HandleEvent)
	return nil
}

// HandleEvent processes records in order and fails the batch on the first
// error so the stream redelivers it.
func (h *StreamHandler) HandleEvent(ctx context.Context, event ddb.Event) error {
	h.Logger.Trace().Int("count", len(event.Records)).Msg("handling a batch of stream records")
	for _, record := range event.Records {
		if err := h.HandleRecord(ctx, record); err != nil {
			h.Logger.Error().Err(err).Str("event", record.EventID).Msg("unable to handle record")
			return fmt.Errorf("unable to handle record: %w", err)
		}
	}
	return nil
}

func (h *StreamHandler) HandleRecord(ctx context.Context, record ddb.Record) error {
	if record.EventName != "INSERT" || h.OnInsert == nil {
		h.Logger.Trace().Str("event", record.EventID).Str("name", record.EventName).Msg("skipping stream record")
		return nil
	}
	return h.OnInsert(ctx, record.Change.NewImage)
}

func (h *StreamHandler) readStream(ctx context.Context, sess *session.Session, tableName string) error {
	streams := dynamodbstreams.New(sess)
	ss, err := streams.ListStreamsWithContext(ctx, &dynamodbstreams.ListStreamsInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return fmt.Errorf("unable to list streams for table %v: %w", tableName, err)
	}
	if len(ss.Streams) != 1 {
		return fmt.Errorf("too few or too many streams (%v) for table %v", len(ss.Streams), tableName)
	}
	stream := ss.Streams[0]

	var shards []*dynamodbstreams.Shard
	var lastShard *string
	for {
		out, err := streams.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             stream.StreamArn,
			ExclusiveStartShardId: lastShard,
		})
		if err != nil {
			return fmt.Errorf("unable to describe stream %v: %w", aws.StringValue(stream.StreamArn), err)
		}
		shards = append(shards, out.StreamDescription.Shards...)
		if out.StreamDescription.LastEvaluatedShardId == nil {
			break
		}
		lastShard = out.StreamDescription.LastEvaluatedShardId
	}

	h.Logger.Info().Str("table", tableName).Int("shards", len(shards)).Msg("reading table stream")

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(64)
	for _, shard := range shards {
		shard := shard
		group.Go(func() error {
			it, err := streams.GetShardIteratorWithContext(ctx, &dynamodbstreams.GetShardIteratorInput{
				StreamArn:         stream.StreamArn,
				ShardId:           shard.ShardId,
				ShardIteratorType: aws.String(dynamodbstreams.ShardIteratorTypeLatest),
			})
			if err != nil {
				return fmt.Errorf("unable to get shard iterator: %w", err)
			}

			for iterator := it.ShardIterator; iterator != nil; {
				records, err := streams.GetRecordsWithContext(ctx, &dynamodbstreams.GetRecordsInput{
					ShardIterator: iterator,
				})
				if err != nil {
					return fmt.Errorf("unable to get records: %w", err)
				}
				for _, record := range records.Records {
					// the ddb record type carries the same json shape
					raw, err := json.Marshal(record)
					if err != nil {
						return fmt.Errorf("unable to marshal record: %w", err)
					}
					var r ddb.Record
					if err := json.Unmarshal(raw, &r); err != nil {
						return fmt.Errorf("unable to unmarshal record: %w", err)
					}
					if err := h.HandleRecord(ctx, r); err != nil {
						return fmt.Errorf("error processing record %v: %w", r.EventID, err)
					}
				}
				iterator = records.NextShardIterator
			}
			return nil
		})
	}
	return group.Wait()
}

// ParseItem decodes a stream image into v.
func ParseItem(item map[string]*dynamodb.AttributeValue, v interface{}) error {
	if err := dynamodbattribute.UnmarshalMap(item, v); err != nil {
		return fmt.Errorf("unable to unmarshal item: %w", err)
	}
	return nil
}
