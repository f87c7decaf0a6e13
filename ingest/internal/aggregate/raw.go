package aggregate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Raw is the on-disk body of one plan item: the listing records plus the
// provenance of the call that produced them.
type Raw struct {
	EntityID     string           `json:"entity_id"`
	Variant      string           `json:"variant"`
	VariantIndex int              `json:"variant_index"`
	From         string           `json:"from"`
	To           string           `json:"to"`
	FetchedAt    time.Time        `json:"fetched_at"`
	Results      []map[string]any `json:"results"`
}

// Provenance is attached to every merged record.
type Provenance struct {
	EntityID     string    `json:"entity_id"`
	Variant      string    `json:"variant"`
	VariantIndex int       `json:"variant_index"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	FetchedAt    time.Time `json:"fetched_at"`
}

func (r Raw) provenance() Provenance {
	return Provenance{
		EntityID:     r.EntityID,
		Variant:      r.Variant,
		VariantIndex: r.VariantIndex,
		From:         r.From,
		To:           r.To,
		FetchedAt:    r.FetchedAt,
	}
}

// EncodeRaw serialises r.
func EncodeRaw(r Raw) ([]byte, error) {
	if r.Results == nil {
		r.Results = []map[string]any{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("aggregate: encode raw: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRaw parses a raw artifact, keeping numbers as json.Number.
func DecodeRaw(data []byte) (Raw, error) {
	var r Raw
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return Raw{}, fmt.Errorf("aggregate: decode raw: %w", err)
	}
	return r, nil
}
