package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Single-table key layout.
const (
	videoSortKey   = "METADATA"
	md5SortKey     = "CLAIM"
	sessionSortKey = "SESSION"
)

func videoPK(id string) string   { return "VIDEO#" + id }
func md5PK(md5 string) string    { return "MD5#" + md5 }
func sessionPK(id string) string { return "UPLOAD#" + id }
func viewSK(e *models.VideoViewEvent) string {
	return fmt.Sprintf("VIEW#%s#%s", e.CreatedAt.UTC().Format(time.RFC3339Nano), e.ID)
}

type videoItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Video
}

type sessionItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.UploadSession
}

type viewItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.VideoViewEvent
}

// DynamoStore keeps videos, md5 claims, sessions and view events in one table.
// It has no date aggregation, so it does not implement ViewRollup.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, now: time.Now}
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// errClaimTaken reports a failed condition on the video or md5 claim put.
var errClaimTaken = errors.New("md5 claim taken")

// CreateVideo writes the video and its md5 claim in one transaction so a
// second writer with the same hash fails instead of creating a duplicate.
// A claim still pointing at a deleted video is taken over.
func (s *DynamoStore) CreateVideo(ctx context.Context, video *models.Video) error {
	err := s.putVideo(ctx, video, "")
	if !errors.Is(err, errClaimTaken) {
		return err
	}

	prev, err := s.releasableClaim(ctx, video.MD5)
	if err != nil {
		return err
	}
	if prev != "" {
		err = s.putVideo(ctx, video, prev)
		if !errors.Is(err, errClaimTaken) {
			return err
		}
	}
	return fmt.Errorf("%w: md5 %s", models.ErrConflict, video.MD5)
}

// putVideo writes the video item and its claim. With an empty prevOwner the
// claim must not exist; otherwise it must still name prevOwner.
func (s *DynamoStore) putVideo(ctx context.Context, video *models.Video, prevOwner string) error {
	item, err := attributevalue.MarshalMap(videoItem{PK: videoPK(video.ID), SK: videoSortKey, Video: *video})
	if err != nil {
		return fmt.Errorf("failed to marshal video: %w", err)
	}

	claim := s.key(md5PK(video.MD5), md5SortKey)
	claim["video_id"] = &types.AttributeValueMemberS{Value: video.ID}

	claimPut := &types.Put{
		TableName:           aws.String(s.tableName),
		Item:                claim,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	}
	if prevOwner != "" {
		claimPut.ConditionExpression = aws.String("video_id = :prev")
		claimPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: prevOwner},
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: claimPut},
		},
	})
	if err != nil {
		var txErr *types.TransactionCanceledException
		if errors.As(err, &txErr) {
			for _, reason := range txErr.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return errClaimTaken
				}
			}
		}
		return fmt.Errorf("%w: create video: %v", models.ErrPersistence, err)
	}

	return nil
}

// releasableClaim returns the id of the video holding the md5 claim when
// that video is deleted, or "" when the claim is live.
func (s *DynamoStore) releasableClaim(ctx context.Context, md5 string) (string, error) {
	owner, err := s.claimOwner(ctx, md5)
	if err != nil || owner == "" {
		return "", err
	}
	video, err := s.GetVideo(ctx, owner)
	if errors.Is(err, models.ErrVideoNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if video.Status != models.StatusDeleted {
		return "", nil
	}
	return owner, nil
}

// claimOwner returns the video id stored in the md5 claim, or "" if there is none.
func (s *DynamoStore) claimOwner(ctx context.Context, md5 string) (string, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(md5PK(md5), md5SortKey),
	})
	if err != nil {
		return "", fmt.Errorf("%w: get md5 claim: %v", models.ErrPersistence, err)
	}
	if result.Item == nil {
		return "", nil
	}

	videoIDVal, ok := result.Item["video_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("invalid video_id type")
	}
	return videoIDVal.Value, nil
}

// GetVideo retrieves a video by ID.
func (s *DynamoStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(videoPK(id), videoSortKey),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get video: %v", models.ErrPersistence, err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var item videoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}

	return &item.Video, nil
}

// FindVideoByMD5 follows the md5 claim to its video.
func (s *DynamoStore) FindVideoByMD5(ctx context.Context, md5 string) (*models.Video, error) {
	owner, err := s.claimOwner(ctx, md5)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, models.ErrVideoNotFound
	}

	video, err := s.GetVideo(ctx, owner)
	if err != nil {
		return nil, err
	}
	if video.Status == models.StatusDeleted {
		return nil, models.ErrVideoNotFound
	}
	return video, nil
}

// UpdateStatus sets the status attribute only.
func (s *DynamoStore) UpdateStatus(ctx context.Context, id string, status models.VideoStatus) error {
	return s.updateVideo(ctx, id,
		"SET #status = :status, updated_at = :updated_at",
		map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		})
}

// UpdateStatusAndPath sets status and file_path in one UpdateItem.
func (s *DynamoStore) UpdateStatusAndPath(ctx context.Context, id string, status models.VideoStatus, path string) error {
	return s.updateVideo(ctx, id,
		"SET #status = :status, file_path = :path, updated_at = :updated_at",
		map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":path":   &types.AttributeValueMemberS{Value: path},
		})
}

func (s *DynamoStore) updateVideo(ctx context.Context, id, expr string, values map[string]types.AttributeValue) error {
	values[":updated_at"] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(videoPK(id), videoSortKey),
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("%w: update video: %v", models.ErrPersistence, err)
	}

	return nil
}

// IncrementViews atomically adds one to the views attribute.
func (s *DynamoStore) IncrementViews(ctx context.Context, id string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(videoPK(id), videoSortKey),
		UpdateExpression: aws.String("ADD #views :one"),
		ExpressionAttributeNames: map[string]string{
			"#views": "views",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("%w: increment views: %v", models.ErrPersistence, err)
	}
	return nil
}

// RecordViewEvent stores the event under its video's partition.
func (s *DynamoStore) RecordViewEvent(ctx context.Context, event *models.VideoViewEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	item, err := attributevalue.MarshalMap(viewItem{PK: videoPK(event.VideoID), SK: viewSK(event), VideoViewEvent: *event})
	if err != nil {
		return fmt.Errorf("failed to marshal view event: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: put view event: %v", models.ErrPersistence, err)
	}
	return nil
}

// CreateSession stores a new upload session record.
func (s *DynamoStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	item, err := attributevalue.MarshalMap(sessionItem{PK: sessionPK(session.UploadID), SK: sessionSortKey, UploadSession: *session})
	if err != nil {
		return fmt.Errorf("failed to marshal upload session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: upload %s", models.ErrConflict, session.UploadID)
		}
		return fmt.Errorf("%w: put upload session: %v", models.ErrPersistence, err)
	}
	return nil
}

// GetSession retrieves an upload session by ID.
func (s *DynamoStore) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(sessionPK(id), sessionSortKey),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get upload session: %v", models.ErrPersistence, err)
	}
	if result.Item == nil {
		return nil, models.ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload session: %w", err)
	}
	return &item.UploadSession, nil
}

// UpdateSessionState sets the session state attribute only.
func (s *DynamoStore) UpdateSessionState(ctx context.Context, id string, state models.SessionState) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(sessionPK(id), sessionSortKey),
		UpdateExpression: aws.String("SET #state = :state, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state":      &types.AttributeValueMemberS{Value: string(state)},
			":updated_at": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrSessionNotFound
		}
		return fmt.Errorf("%w: update upload session: %v", models.ErrPersistence, err)
	}
	return nil
}

// Ping checks that the table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *DynamoStore) Close() {}
