package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the snapshot buckets in the order durable stores write them.
var Buckets = []string{"dosimeters", "samples", "fluence_factors", "irradiations"}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	switch bucket {
	case "dosimeters":
		return json.Marshal(s.Dosimeters)
	case "samples":
		return json.Marshal(s.Samples)
	case "fluence_factors":
		return json.Marshal(s.Factors)
	case "irradiations":
		return json.Marshal(s.Irradiations)
	default:
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
}

// DecodeBucket unmarshals payload into the matching snapshot bucket. Unknown
// buckets are ignored so older databases with retired buckets still load.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var target any
	switch bucket {
	case "dosimeters":
		target = &s.Dosimeters
	case "samples":
		target = &s.Samples
	case "fluence_factors":
		target = &s.Factors
	case "irradiations":
		target = &s.Irradiations
	default:
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
