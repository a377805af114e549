package sync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// Position is a keyset pagination position: the last row of the previous
// page in (last_changed_at, record_key) order.
type Position struct {
	ChangedAt time.Time  `json:"t"`
	Key       record.Key `json:"k"`
}

// ListParams selects a batch of stored rows of one type.
type ListParams struct {
	TypeName string
	// Since excludes rows changed before it. Zero lists every row.
	Since time.Time
	After *Position
	Limit int
}

type QueryParams struct {
	TypeName  string
	Filter    predicate.Predicate
	Since     time.Time
	Limit     int
	NextToken string
}

type QueryResult struct {
	Items      []record.WithMetadata
	NextToken  string
	ServerTime time.Time
}

type MutateParams struct {
	TypeName        string
	Operation       record.Operation
	Record          record.Record
	ExpectedVersion int
}

// EncodeToken renders p as an opaque continuation token.
func EncodeToken(p Position) string {
	raw, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeToken(token string) (*Position, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &p, nil
}
