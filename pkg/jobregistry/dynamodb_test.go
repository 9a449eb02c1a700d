package jobregistry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDynamo records the last UpdateItem input and returns canned results.
type stubDynamo struct {
	DynamoAPI

	lastUpdate *dynamodb.UpdateItemInput
	lastPut    *dynamodb.PutItemInput
	updateErr  error
	putErr     error
	getItem    map[string]types.AttributeValue
}

func (s *stubDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.lastUpdate = in
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (s *stubDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.lastPut = in
	if s.putErr != nil {
		return nil, s.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: s.getItem}, nil
}

func TestNewDynamoRegistry_Validation(t *testing.T) {
	_, err := NewDynamoRegistry(&stubDynamo{}, DynamoConfig{})
	assert.Error(t, err)

	_, err = NewDynamoRegistry(nil, DynamoConfig{Table: "annotations"})
	assert.Error(t, err)

	r, err := NewDynamoRegistry(&stubDynamo{}, DynamoConfig{Table: "annotations"})
	require.NoError(t, err)
	assert.Equal(t, DefaultAccountIndex, r.accountIndex)
}

func TestBuildClaimUpdate(t *testing.T) {
	done := time.Unix(1_700_000_000, 0)
	update, condition, names, values := buildClaimUpdate(Claim{
		JobID:    "job-1",
		Field:    FieldJobStatus,
		Expected: string(JobStatusRunning),
		Next:     string(JobStatusComplete),
		Also: Assign{
			CompleteTime: &done,
			StorageState: Ptr(StorageHot),
		},
	})

	assert.Equal(t, "SET #f = :next, complete_time = :complete_time, storage_state = :storage_state", update)
	assert.Equal(t, "attribute_exists(job_id) AND #f = :expected", condition)
	assert.Equal(t, "job_status", names["#f"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1700000000"}, values[":complete_time"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "RUNNING"}, values[":expected"])
}

func TestBuildClaimUpdate_AbsentStorage(t *testing.T) {
	_, condition, _, _ := buildClaimUpdate(Claim{
		JobID:    "job-1",
		Field:    FieldStorageState,
		Expected: "",
		Next:     string(StorageHot),
	})
	assert.Contains(t, condition, "attribute_not_exists(#f)")
}

func TestDynamoRegistry_ClaimOutcomes(t *testing.T) {
	ctx := context.Background()
	claim := Claim{JobID: "job-1", Field: FieldStorageState, Expected: "HOT", Next: "ARCHIVING"}

	stub := &stubDynamo{}
	r, err := NewDynamoRegistry(stub, DynamoConfig{Table: "annotations"})
	require.NoError(t, err)

	ok, err := r.Claim(ctx, claim)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, stub.lastUpdate.ReturnValuesOnConditionCheckFailure)

	stub.updateErr = &types.ConditionalCheckFailedException{
		Item: map[string]types.AttributeValue{"job_id": &types.AttributeValueMemberS{Value: "job-1"}},
	}
	ok, err = r.Claim(ctx, claim)
	require.NoError(t, err)
	assert.False(t, ok)

	stub.updateErr = &types.ConditionalCheckFailedException{}
	_, err = r.Claim(ctx, claim)
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("throttled")
	stub.updateErr = boom
	_, err = r.Claim(ctx, claim)
	assert.ErrorIs(t, err, boom)
}

func TestDynamoRegistry_CreateConflict(t *testing.T) {
	stub := &stubDynamo{putErr: &types.ConditionalCheckFailedException{}}
	r, err := NewDynamoRegistry(stub, DynamoConfig{Table: "annotations"})
	require.NoError(t, err)

	err = r.Create(context.Background(), newRecord("job-1", "acct-1", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, "attribute_not_exists(job_id)", *stub.lastPut.ConditionExpression)
	assert.Contains(t, stub.lastPut.Item, "submit_time")
	assert.NotContains(t, stub.lastPut.Item, "storage_state")
}

func TestDynamoRegistry_GetMissing(t *testing.T) {
	r, err := NewDynamoRegistry(&stubDynamo{}, DynamoConfig{Table: "annotations"})
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
