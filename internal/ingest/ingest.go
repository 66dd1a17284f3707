package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vigilo-labs/compliance-cli/internal/model"
)

// Loader reads candidate records from a directory of JSON metadata files.
// Each file holds an array of records; the file name (without extension)
// is the default source tag.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads every *.json file under the metadata directory and returns
// the merged candidate pool, most recent first.
func (l *Loader) Load() ([]model.CandidateRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read dir %s", l.dir)
	}

	var pool []model.CandidateRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		records, err := LoadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		tag := strings.TrimSuffix(entry.Name(), ".json")
		for i := range records {
			if records[i].SourceTag == "" {
				records[i].SourceTag = tag
				records[i].StableID = model.DeriveStableID(tag, records[i].Title, records[i].Content)
			}
		}
		pool = append(pool, records...)
	}

	SortMostRecentFirst(pool)
	zap.L().Info("ingest: loaded candidate pool",
		zap.String("dir", l.dir),
		zap.Int("records", len(pool)),
	)
	return pool, nil
}

// LoadFile reads one JSON metadata file into candidate records and
// assigns content-derived stable IDs.
func LoadFile(path string) ([]model.CandidateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}

	var records []model.CandidateRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse %s", path)
	}

	for i := range records {
		if records[i].StableID == "" {
			records[i].StableID = model.DeriveStableID(records[i].SourceTag, records[i].Title, records[i].Content)
		}
	}
	return records, nil
}

// LoadProfile reads an organization profile from a YAML file.
func LoadProfile(path string) (*model.OrganizationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read profile %s", path)
	}

	var profile model.OrganizationProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse profile %s", path)
	}
	if profile.Name == "" {
		return nil, eris.Errorf("ingest: profile %s has no name", path)
	}
	return &profile, nil
}

// SortMostRecentFirst orders records by resolved published date,
// newest first. Records without a resolvable date sink to the end,
// keeping their relative order.
func SortMostRecentFirst(records []model.CandidateRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, oki := records[i].ResolvedDate()
		tj, okj := records[j].ResolvedDate()
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		return ti.After(tj)
	})
}
