package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) CancelBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(BatchResultIterator), args.Error(1)
}

// MockBatchResultIterator implements BatchResultIterator for testing.
type MockBatchResultIterator struct {
	mock.Mock
	items []BatchResultItem
	idx   int
	err   error
}

// NewMockBatchResultIterator creates an iterator that yields the given items.
func NewMockBatchResultIterator(items []BatchResultItem) *MockBatchResultIterator {
	return &MockBatchResultIterator{
		items: items,
		idx:   -1,
	}
}

// NewMockBatchResultIteratorWithError creates an iterator that fails after
// yielding the given items.
func NewMockBatchResultIteratorWithError(items []BatchResultItem, err error) *MockBatchResultIterator {
	return &MockBatchResultIterator{
		items: items,
		idx:   -1,
		err:   err,
	}
}

func (m *MockBatchResultIterator) Next() bool {
	if m.idx+1 < len(m.items) {
		m.idx++
		return true
	}
	return false
}

func (m *MockBatchResultIterator) Item() BatchResultItem {
	return m.items[m.idx]
}

func (m *MockBatchResultIterator) Err() error {
	if m.idx+1 >= len(m.items) {
		return m.err
	}
	return nil
}

func (m *MockBatchResultIterator) Close() error {
	return nil
}

func TestCreateBatch_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := BatchRequest{
		Requests: []BatchRequestItem{
			{
				CustomID: "q1",
				Params: MessageRequest{
					Model:     "claude-haiku-4-5-20251001",
					MaxTokens: 512,
					Messages:  []Message{{Role: "user", Content: "Extract info"}},
				},
			},
			{
				CustomID: "q2",
				Params: MessageRequest{
					Model:     "claude-haiku-4-5-20251001",
					MaxTokens: 512,
					Messages:  []Message{{Role: "user", Content: "More info"}},
				},
			},
		},
	}

	expected := &BatchResponse{
		ID:               "batch_abc",
		ProcessingStatus: "in_progress",
		RequestCounts: RequestCounts{
			Processing: 2,
		},
	}

	mc.On("CreateBatch", ctx, req).Return(expected, nil)

	resp, err := mc.CreateBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "batch_abc", resp.ID)
	assert.Equal(t, "in_progress", resp.ProcessingStatus)
	assert.Equal(t, int64(2), resp.RequestCounts.Processing)

	mc.AssertExpectations(t)
}

func TestGetBatch_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	expected := &BatchResponse{
		ID:               "batch_abc",
		ProcessingStatus: "ended",
		RequestCounts: RequestCounts{
			Succeeded: 2,
		},
	}

	mc.On("GetBatch", ctx, "batch_abc").Return(expected, nil)

	resp, err := mc.GetBatch(ctx, "batch_abc")
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(2), resp.RequestCounts.Succeeded)

	mc.AssertExpectations(t)
}

func TestGetBatchResults_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	items := []BatchResultItem{
		{
			CustomID: "q1",
			Type:     "succeeded",
			Message: &MessageResponse{
				ID:      "msg_1",
				Content: []ContentBlock{{Type: "text", Text: "Answer 1"}},
			},
		},
		{
			CustomID: "q2",
			Type:     "succeeded",
			Message: &MessageResponse{
				ID:      "msg_2",
				Content: []ContentBlock{{Type: "text", Text: "Answer 2"}},
			},
		},
	}

	iter := NewMockBatchResultIterator(items)
	mc.On("GetBatchResults", ctx, "batch_abc").Return(iter, nil)

	result, err := mc.GetBatchResults(ctx, "batch_abc")
	require.NoError(t, err)

	var collected []BatchResultItem
	for result.Next() {
		collected = append(collected, result.Item())
	}
	require.NoError(t, result.Err())
	assert.Len(t, collected, 2)
	assert.Equal(t, "q1", collected[0].CustomID)
	assert.Equal(t, "q2", collected[1].CustomID)

	mc.AssertExpectations(t)
}

func TestSDKTypeConversion_toSDKMessages(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
	}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 2)
}

func TestSDKTypeConversion_toSDKSystemBlocks(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "You are a helpful assistant."},
		{Text: "Context data here.", CacheControl: &CacheControl{TTL: "1h"}},
	}

	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 2)
	assert.Equal(t, "You are a helpful assistant.", sdkBlocks[0].Text)
	assert.Equal(t, "Context data here.", sdkBlocks[1].Text)
}

func TestMessageResponse_Text(t *testing.T) {
	msg := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: `{"a":`},
		{Type: "tool_use"},
		{Type: "text", Text: `1}`},
	}}
	assert.Equal(t, `{"a":1}`, msg.Text())

	var nilMsg *MessageResponse
	assert.Empty(t, nilMsg.Text())
}

func TestCancelBatch_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("CancelBatch", ctx, "batch_abc").Return(&BatchResponse{
		ID:               "batch_abc",
		ProcessingStatus: StatusCanceling,
	}, nil)

	resp, err := mc.CancelBatch(ctx, "batch_abc")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceling, resp.ProcessingStatus)

	mc.AssertExpectations(t)
}

func TestRequestCounts_Totals(t *testing.T) {
	c := RequestCounts{Processing: 2, Succeeded: 5, Errored: 1, Canceled: 1, Expired: 1}
	assert.Equal(t, int64(8), c.Finished())
	assert.Equal(t, int64(10), c.Total())
}
