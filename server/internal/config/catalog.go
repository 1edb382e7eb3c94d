package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CSV column names used by the city traffic camera export.
const (
	columnID       = "Camera ID"
	columnURL      = "Screenshot Address"
	columnLocation = "Location"
)

// LoadCatalog reads a traffic camera CSV export from path.
func LoadCatalog(path string) ([]Camera, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open catalog %q: %w", path, err)
	}
	defer f.Close()

	cams, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("config: catalog %q: %w", path, err)
	}
	return cams, nil
}

// ParseCatalog decodes a camera CSV with a header row. Camera IDs must be
// unique and every row needs a screenshot address. The Location column is
// optional.
func ParseCatalog(r io.Reader) ([]Camera, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idCol, ok := idx[columnID]
	if !ok {
		return nil, fmt.Errorf("missing %q column", columnID)
	}
	urlCol, ok := idx[columnURL]
	if !ok {
		return nil, fmt.Errorf("missing %q column", columnURL)
	}
	locCol, hasLoc := idx[columnLocation]

	seen := make(map[int]struct{})
	var out []Camera
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		id, err := strconv.Atoi(strings.TrimSpace(field(rec, idCol)))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad camera id: %w", line, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("line %d: duplicate camera id %d", line, id)
		}
		seen[id] = struct{}{}

		url := strings.TrimSpace(field(rec, urlCol))
		if url == "" {
			return nil, fmt.Errorf("line %d: camera %d has no screenshot address", line, id)
		}

		cam := Camera{ID: id, URL: url}
		if hasLoc {
			cam.Location = strings.TrimSpace(field(rec, locCol))
		}
		out = append(out, cam)
	}
	return out, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
