package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/reconcile"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProviderReport is the sync status of one provider as seen by clients.
type ProviderReport struct {
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	State       string           `json:"state"`
	Account     string           `json:"account,omitempty"`
	NeedsAuth   bool             `json:"needs_auth"`
	LastSuccess time.Time        `json:"last_success,omitzero"`
	LastAttempt time.Time        `json:"last_attempt,omitzero"`
	LastError   string           `json:"last_error,omitempty"`
	LastResult  reconcile.Result `json:"last_result"`
	Dirty       int64            `json:"dirty"`
	Failed      int64            `json:"failed"`
}

// Report is the daemon status.
type Report struct {
	State       string           `json:"state"`
	Failures    int              `json:"failures,omitempty"`
	NextAttempt time.Time        `json:"next_attempt,omitzero"`
	Providers   []ProviderReport `json:"providers"`
}

func (r *Report) toStruct() (*structpb.Struct, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func reportFromStruct(s *structpb.Struct) (*Report, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, err
	}
	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return r, nil
}
