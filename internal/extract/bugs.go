package extract

import (
	"encoding/json"
	"fmt"
	"io"
)

// BugCounts is the flattened bug report: leaf-set sizes summed across runs.
type BugCounts struct {
	Triggered int
	Reached   int
}

// ParseBugReport reads a report shaped results -> fuzzer -> target ->
// program -> run -> {reached, triggered}. A report without a top-level
// "results" key is treated as the results map itself. Branches that do not
// have the expected shape are skipped. An error is returned only when the
// document is not a JSON object at all.
func ParseBugReport(r io.Reader) (BugCounts, error) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return BugCounts{}, fmt.Errorf("failed to parse bug report: %w", err)
	}

	results := doc
	if raw, ok := doc["results"]; ok {
		results = nil
		if err := json.Unmarshal(raw, &results); err != nil {
			return BugCounts{}, fmt.Errorf("failed to parse bug report results: %w", err)
		}
	}

	var counts BugCounts
	for _, fuzzer := range objects(results) {
		for _, target := range objects(fuzzer) {
			for _, program := range objects(target) {
				for _, run := range objects(program) {
					counts.Triggered += size(run["triggered"])
					counts.Reached += size(run["reached"])
				}
			}
		}
	}
	return counts, nil
}

// objects decodes every value of m that is itself a JSON object.
func objects(m map[string]json.RawMessage) []map[string]json.RawMessage {
	out := make([]map[string]json.RawMessage, 0, len(m))
	for _, raw := range m {
		var child map[string]json.RawMessage
		if err := json.Unmarshal(raw, &child); err != nil {
			continue
		}
		out = append(out, child)
	}
	return out
}

// size counts the entries of a bug set, given either as an object keyed by
// bug id or as a list of ids.
func size(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var set map[string]json.RawMessage
	if err := json.Unmarshal(raw, &set); err == nil {
		return len(set)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list)
	}
	return 0
}
