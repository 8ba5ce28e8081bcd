package stats

import (
	"encoding/json"

	"github.com/voxnote/bot/internal/model"
)

// decoder tries to read one schema. ok is false when the document is not in
// that schema; migrated is true when the result differs from what is stored.
type decoder func(data []byte, key string) (file *model.StatsFile, migrated, ok bool)

// Tried in order: current schema, keyed map under an older version, then
// the flat single-model layout.
var decoders = []decoder{
	decodeCurrent,
	decodeLegacyKeyed,
	decodeLegacyFlat,
}

type keyedDoc struct {
	Version *int                         `json:"version"`
	Models  map[string]*model.ModelStats `json:"models"`
}

func decodeCurrent(data []byte, _ string) (*model.StatsFile, bool, bool) {
	var doc keyedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, false
	}
	if doc.Version == nil || *doc.Version != model.StatsSchemaVersion || doc.Models == nil {
		return nil, false, false
	}
	return normalize(doc.Models), false, true
}

func decodeLegacyKeyed(data []byte, _ string) (*model.StatsFile, bool, bool) {
	var doc keyedDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Models == nil {
		return nil, false, false
	}
	return normalize(doc.Models), true, true
}

// flatMarkers are fields only a flat ModelStats document carries at the top.
var flatMarkers = []string{"totalJobs", "successJobs", "failedJobs", "avgTotalMs"}

func decodeLegacyFlat(data []byte, key string) (*model.StatsFile, bool, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false, false
	}
	found := false
	for _, f := range flatMarkers {
		if _, ok := fields[f]; ok {
			found = true
			break
		}
	}
	if !found {
		return nil, false, false
	}

	var ms model.ModelStats
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, false, false
	}
	file := model.NewStatsFile()
	file.Models[key] = &ms
	return file, true, true
}

func normalize(models map[string]*model.ModelStats) *model.StatsFile {
	file := model.NewStatsFile()
	for k, ms := range models {
		if ms == nil {
			ms = &model.ModelStats{}
		}
		file.Models[k] = ms
	}
	return file
}

// decode turns a stored document into the current schema. Unrecognised or
// malformed input yields an empty file.
func decode(data []byte, key string) (*model.StatsFile, bool) {
	if len(data) == 0 {
		return model.NewStatsFile(), false
	}
	for _, d := range decoders {
		if file, migrated, ok := d(data, key); ok {
			return file, migrated
		}
	}
	return model.NewStatsFile(), false
}
