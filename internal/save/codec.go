package save

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a snapshot to the canonical UTF-8 JSON document.
// Validation runs first so a malformed snapshot never reaches storage.
func Encode(s *WorldSnapshot) ([]byte, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode parses and validates a snapshot document. Parse-then-apply: any
// failure here aborts Load before a single reconciliation step runs.
func Decode(data []byte) (*WorldSnapshot, error) {
	var s WorldSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if s.Globals == nil {
		s.Globals = map[string]any{}
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *WorldSnapshot) error {
	if s.WorldName == "" {
		return fmt.Errorf("snapshot %s: empty world_name", s.SaveID)
	}
	seen := make(map[string]struct{}, len(s.Records))
	for i, rec := range s.Records {
		if rec.ID == "" {
			return fmt.Errorf("snapshot %s: record %d has empty id", s.SaveID, i)
		}
		if _, dup := seen[rec.ID]; dup {
			return fmt.Errorf("snapshot %s: duplicate record id %q", s.SaveID, rec.ID)
		}
		if rec.TemplateID != nil && *rec.TemplateID == "" {
			// "" 與 null 意義不同：空字串視為格式錯誤
			return fmt.Errorf("snapshot %s: record %q has empty template_id (use null)", s.SaveID, rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
	return nil
}
