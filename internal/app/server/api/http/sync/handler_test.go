package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
	"datasync/internal/domain/sync"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Query(ctx context.Context, params sync.QueryParams) (*sync.QueryResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sync.QueryResult), args.Error(1)
}

func (m *MockService) Mutate(ctx context.Context, params sync.MutateParams) (*record.WithMetadata, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*record.WithMetadata), args.Error(1)
}

func (m *MockService) Subscribe(ctx context.Context, typeName string, op record.Operation) (<-chan record.WithMetadata, error) {
	args := m.Called(ctx, typeName, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan record.WithMetadata), args.Error(1)
}

func (m *MockService) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newTestAPI(t *testing.T, svc sync.Servicer) humatest.TestAPI {
	_, api := humatest.New(t)
	NewHandler(svc, slog.Default(), huma.Middlewares{}).SetupRoutes(api)
	return api
}

func todo(version int) record.WithMetadata {
	return record.WithMetadata{
		Record:   record.New("Todo", map[string]any{"id": "t1", "title": "a"}),
		Metadata: record.Metadata{TypeName: "Todo", Key: "t1", Version: version},
	}
}

func TestHandler_mutate(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(*MockService)
		wantStatus  int
		wantVersion int
	}{
		{
			name: "applied",
			setupMock: func(m *MockService) {
				rec := todo(2)
				m.On("Mutate", mock.Anything, mock.Anything).Return(&rec, nil)
			},
			wantStatus:  http.StatusOK,
			wantVersion: 2,
		},
		{
			name: "conflict answers with the current record",
			setupMock: func(m *MockService) {
				m.On("Mutate", mock.Anything, mock.Anything).Return(nil, &sync.ConflictError{Current: todo(5), ExpectedVersion: 1})
			},
			wantStatus:  http.StatusConflict,
			wantVersion: 5,
		},
		{
			name: "missing record",
			setupMock: func(m *MockService) {
				m.On("Mutate", mock.Anything, mock.Anything).Return(nil, sync.ErrRecordNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "unknown type",
			setupMock: func(m *MockService) {
				m.On("Mutate", mock.Anything, mock.Anything).Return(nil, schema.ErrUnknownType)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "storage failure",
			setupMock: func(m *MockService) {
				m.On("Mutate", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			svc := new(MockService)
			tt.setupMock(svc)
			api := newTestAPI(t, svc)

			// Act
			resp := api.Post(MutatePath, map[string]any{
				"type_name":        "Todo",
				"operation":        "UPDATE",
				"record":           map[string]any{"type_name": "Todo", "fields": map[string]any{"id": "t1", "title": "a"}},
				"expected_version": 1,
			})

			// Assert
			assert.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantVersion > 0 {
				var got record.WithMetadata
				require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
				assert.Equal(t, tt.wantVersion, got.Metadata.Version)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestHandler_mutatePassesParams(t *testing.T) {
	svc := new(MockService)
	rec := todo(1)
	svc.On("Mutate", mock.Anything, mock.MatchedBy(func(p sync.MutateParams) bool {
		return p.TypeName == "Todo" && p.Operation == record.OperationDelete && p.ExpectedVersion == 4 &&
			p.Record.Fields["id"] == "t1"
	})).Return(&rec, nil)
	api := newTestAPI(t, svc)

	resp := api.Post(MutatePath, map[string]any{
		"type_name":        "Todo",
		"operation":        "DELETE",
		"record":           map[string]any{"type_name": "Todo", "fields": map[string]any{"id": "t1"}},
		"expected_version": 4,
	})

	assert.Equal(t, http.StatusOK, resp.Code)
	svc.AssertExpectations(t)
}

func TestHandler_query(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := new(MockService)
	svc.On("Query", mock.Anything, mock.MatchedBy(func(p sync.QueryParams) bool {
		return p.TypeName == "Todo" && p.Since.Equal(since) && p.Limit == 50 && p.NextToken == "tok" &&
			p.Filter.Field == "title"
	})).Return(&sync.QueryResult{Items: []record.WithMetadata{todo(1)}, NextToken: "next", ServerTime: since}, nil)
	api := newTestAPI(t, svc)

	resp := api.Post(QueryPath, map[string]any{
		"type_name":  "Todo",
		"since":      since.Format(time.RFC3339),
		"limit":      50,
		"next_token": "tok",
		"filter":     map[string]any{"op": "eq", "field": "title", "value": "a"},
	})

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var got sync.QueryResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Len(t, got.Items, 1)
	assert.Equal(t, "next", got.NextToken)
	svc.AssertExpectations(t)
}

func TestHandler_queryInvalidToken(t *testing.T) {
	svc := new(MockService)
	svc.On("Query", mock.Anything, mock.Anything).Return(nil, sync.ErrInvalidToken)
	api := newTestAPI(t, svc)

	resp := api.Post(QueryPath, map[string]any{"type_name": "Todo", "next_token": "bad"})

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandler_subscribe(t *testing.T) {
	changes := make(chan record.WithMetadata, 1)
	changes <- todo(3)
	close(changes)
	svc := new(MockService)
	svc.On("Subscribe", mock.Anything, "Todo", record.OperationCreate).
		Return((<-chan record.WithMetadata)(changes), nil)
	api := newTestAPI(t, svc)

	resp := api.Get(SubscribePath + "?type_name=Todo&operation=CREATE")

	assert.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: record")
	assert.Less(t, strings.Index(body, "event: started"), strings.Index(body, "event: record"))
	assert.Contains(t, body, `"version":3`)
}

func TestHandler_subscribeRefused(t *testing.T) {
	svc := new(MockService)
	svc.On("Subscribe", mock.Anything, "Nope", record.OperationUpdate).Return(nil, schema.ErrUnknownType)
	api := newTestAPI(t, svc)

	resp := api.Get(SubscribePath + "?type_name=Nope&operation=UPDATE")

	assert.Contains(t, resp.Body.String(), "event: error")
	assert.NotContains(t, resp.Body.String(), "event: started")
}
