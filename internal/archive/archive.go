// Package archive stores completed SDP exchanges for later inspection.
// It supports filesystem and SQLite backends for development and S3 for
// production. Records can optionally be sealed at rest.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dbredin/switchboard/internal/crypto"
)

var ErrNotFound = errors.New("exchange not found")

// Exchange is one archived offer/answer pair.
type Exchange struct {
	JobID      string          `json:"job_id"`
	SessionID  string          `json:"session_id"`
	Filename   string          `json:"filename"`
	WorkerID   string          `json:"worker_id"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// Archive provides exchange storage and retrieval. Put overwrites any
// previous record for the same job, which happens when a requeued job is
// answered by a second worker.
type Archive interface {
	Put(ctx context.Context, ex *Exchange) error
	Get(ctx context.Context, jobID string) (*Exchange, error)
	Close() error
}

// marshalExchange serializes and optionally seals a record.
func marshalExchange(ex *Exchange, sealer *crypto.Sealer) ([]byte, error) {
	data, err := json.Marshal(ex)
	if err != nil {
		return nil, fmt.Errorf("marshal exchange: %w", err)
	}
	if sealer != nil {
		sealed, err := sealer.Seal(data)
		if err != nil {
			return nil, fmt.Errorf("seal exchange: %w", err)
		}
		return sealed, nil
	}
	return data, nil
}

// unmarshalExchange decodes a record, unsealing first when required.
func unmarshalExchange(data []byte, sealed bool, sealer *crypto.Sealer) (*Exchange, error) {
	if sealed {
		if sealer == nil {
			return nil, errors.New("exchange is sealed but no archive secret is configured")
		}
		plain, err := sealer.Open(data)
		if err != nil {
			return nil, fmt.Errorf("open sealed exchange: %w", err)
		}
		data = plain
	}

	ex := &Exchange{}
	if err := json.Unmarshal(data, ex); err != nil {
		return nil, fmt.Errorf("unmarshal exchange: %w", err)
	}
	return ex, nil
}
