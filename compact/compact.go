// Package compact bounds the serialized size of a task payload before the
// external capability is invoked. Compaction is deterministic: identical
// payload and budget always produce identical output. Failing with
// ErrPayloadTooLarge is the last resort, after dropping stale memory facts
// and truncating verbose fields.
package compact

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/pagelift/pagelift/task"
)

// Payload keys with compaction-specific meaning.
const (
	// MemoryKey holds the shared memory facts included by reference.
	MemoryKey = "project_memory"
	// RanksKey holds the recency rank per memory key, captured at assembly
	// time so compaction stays a pure function of its input. It is stripped
	// from the compacted payload.
	RanksKey = "memory_ranks"
)

// Truncation markers appended where content was cut.
const (
	TruncationMarker     = "...[truncated]"
	TruncatedItemsMarker = "...[truncated items]"
)

// maxListItems bounds list fields during truncation.
const maxListItems = 50

// TooLargeError reports that a payload still exceeds its budget after every
// compaction step.
type TooLargeError struct {
	Size   int
	Budget int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("compact: payload of %d bytes exceeds budget of %d after compaction", e.Size, e.Budget)
}

// Compact returns a payload whose serialized size fits the budget, applying,
// in order: dropping the least-recently-referenced memory facts, truncating
// verbose fields, and finally failing with *TooLargeError. The input payload
// is never mutated.
func Compact(payload task.Payload, budget int) (task.Payload, error) {
	out, err := deepCopy(payload)
	if err != nil {
		return nil, err
	}
	delete(out, RanksKey)

	size, err := serializedSize(out)
	if err != nil {
		return nil, err
	}
	if size <= budget {
		return out, nil
	}

	// (a) Drop stale memory facts, least recently referenced first.
	if size, err = dropStaleFacts(out, payload, budget, size); err != nil {
		return nil, err
	}
	if size <= budget {
		return out, nil
	}

	// (b) Truncate verbose free-text fields and oversized lists.
	fieldLimit := budget / 4
	if fieldLimit < len(TruncationMarker)+1 {
		fieldLimit = len(TruncationMarker) + 1
	}
	for key, value := range out {
		out[key] = truncateValue(key, value, fieldLimit)
	}

	size, err = serializedSize(out)
	if err != nil {
		return nil, err
	}
	if size <= budget {
		return out, nil
	}

	// (c) Last resort.
	return nil, &TooLargeError{Size: size, Budget: budget}
}

// dropStaleFacts removes memory facts from the payload copy in recency order
// (stalest first, ties broken by key) until the payload fits or no facts
// remain.
func dropStaleFacts(out, original task.Payload, budget, size int) (int, error) {
	facts, ok := out[MemoryKey].(map[string]any)
	if !ok || len(facts) == 0 {
		return size, nil
	}

	ranks := map[string]int{}
	if raw, ok := original[RanksKey].(map[string]int); ok {
		ranks = raw
	} else if raw, ok := original[RanksKey].(map[string]any); ok {
		for key, value := range raw {
			switch n := value.(type) {
			case int:
				ranks[key] = n
			case float64:
				ranks[key] = int(n)
			}
		}
	}

	keys := make([]string, 0, len(facts))
	for key := range facts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if ranks[keys[i]] != ranks[keys[j]] {
			return ranks[keys[i]] < ranks[keys[j]]
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		if size <= budget {
			break
		}
		delete(facts, key)
		var err error
		if size, err = serializedSize(out); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// truncateValue bounds a single value: long strings get the truncation
// marker, long lists are capped, and nested structures are walked. Keys
// ending in "content" carry raw source text and get a quarter of the field
// limit.
func truncateValue(key string, value any, limit int) any {
	fieldLimit := limit
	if len(key) >= 7 && key[len(key)-7:] == "content" {
		fieldLimit = limit / 4
		if fieldLimit < len(TruncationMarker)+1 {
			fieldLimit = len(TruncationMarker) + 1
		}
	}

	switch v := value.(type) {
	case string:
		if len(v) <= fieldLimit {
			return v
		}
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := fieldLimit
		for cut > 0 && !utf8.RuneStart(v[cut]) {
			cut--
		}
		return v[:cut] + TruncationMarker

	case map[string]any:
		out := make(map[string]any, len(v))
		for childKey, child := range v {
			out[childKey] = truncateValue(childKey, child, limit)
		}
		return out

	case []any:
		items := v
		truncated := false
		if len(items) > maxListItems {
			items = items[:maxListItems]
			truncated = true
		}
		out := make([]any, 0, len(items)+1)
		for _, item := range items {
			out = append(out, truncateValue(key, item, limit))
		}
		if truncated {
			out = append(out, TruncatedItemsMarker)
		}
		return out

	default:
		return value
	}
}

func serializedSize(payload task.Payload) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("compact: marshal payload: %w", err)
	}
	return len(data), nil
}

// deepCopy clones a payload through JSON so compaction never aliases the
// caller's data. It also normalizes values to JSON types, which keeps the
// size accounting consistent.
func deepCopy(payload task.Payload) (task.Payload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("compact: marshal payload: %w", err)
	}
	var out task.Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("compact: clone payload: %w", err)
	}
	if out == nil {
		out = task.Payload{}
	}
	return out, nil
}
