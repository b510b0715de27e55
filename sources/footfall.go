package sources

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// FootfallConfig contains the open-data footfall source configuration.
type FootfallConfig struct {
	// CatalogURL returns the JSON resource catalog.
	CatalogURL string `json:"catalog_url" mapstructure:"catalog_url"`
	// DownloadURL is the per-file download template with {{key}} and
	// {{file_name}} placeholders.
	DownloadURL string `json:"download_url" mapstructure:"download_url"`
	// ExcludeFiles are catalog file names to skip (matched against the
	// name as listed, before any renaming).
	ExcludeFiles []string `json:"exclude_files" mapstructure:"exclude_files"`
}

// FootfallFile is one downloaded counter file: its cleaned name, the
// raw CSV bytes for archiving, and the parsed batch.
type FootfallFile struct {
	Name  string
	Raw   []byte
	Batch entity.RawBatch
}

// FootfallSource fetches city counter CSVs from an open-data catalog.
type FootfallSource struct {
	client *Client
	cfg    FootfallConfig
}

// NewFootfallSource creates a footfall source adapter.
func NewFootfallSource(client *Client, cfg FootfallConfig) *FootfallSource {
	return &FootfallSource{client: client, cfg: cfg}
}

type catalogResponse struct {
	Resources map[string]struct {
		Format string `json:"format"`
		URL    string `json:"url"`
	} `json:"resources"`
}

// Fetch downloads every CSV resource the catalog lists, minus the
// configured exclusions. Downloads fan out bounded by the client's
// concurrency limit; the returned files are sorted by name so the
// assembled raw set is deterministic regardless of completion order.
func (f *FootfallSource) Fetch(ctx context.Context) ([]FootfallFile, error) {
	body, err := f.client.Get(ctx, f.cfg.CatalogURL)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	var catalog catalogResponse
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	type target struct {
		key      string
		fileName string // as listed, web-encoded
		name     string // cleaned
	}
	var targets []target

	excluded := make(map[string]struct{}, len(f.cfg.ExcludeFiles))
	for _, name := range f.cfg.ExcludeFiles {
		excluded[name] = struct{}{}
	}

	// Catalog is a JSON object; walk its keys in sorted order so the
	// target list is stable.
	keys := make([]string, 0, len(catalog.Resources))
	for key := range catalog.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		res := catalog.Resources[key]
		if !strings.EqualFold(res.Format, "csv") {
			continue
		}
		parts := strings.Split(res.URL, "/")
		fileName := parts[len(parts)-1]
		if _, skip := excluded[fileName]; skip {
			continue
		}
		// Catalog names carry web-address encoding.
		name := strings.ReplaceAll(fileName, "%20", "_")
		targets = append(targets, target{key: key, fileName: fileName, name: name})
	}

	files := make([]FootfallFile, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.client.MaxConcurrent())
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			u := strings.NewReplacer("{{key}}", t.key, "{{file_name}}", t.fileName).Replace(f.cfg.DownloadURL)
			data, err := f.client.Get(gctx, u)
			if err != nil {
				return fmt.Errorf("download %s: %w", t.name, err)
			}
			batch, err := ParseCSV("footfall", t.name, data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", t.name, err)
			}
			files[i] = FootfallFile{Name: t.name, Raw: data, Batch: batch}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ParseCSV reads a headered CSV payload into a raw batch. Unnamed
// columns (spreadsheet export artifacts) are dropped from the schema.
func ParseCSV(source, name string, data []byte) (entity.RawBatch, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return entity.RawBatch{}, fmt.Errorf("read header: %w", err)
	}

	keep := make([]int, 0, len(header))
	columns := make([]string, 0, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if col == "" || strings.Contains(strings.ToLower(col), "unnamed") {
			continue
		}
		keep = append(keep, i)
		columns = append(columns, col)
	}

	batch := entity.RawBatch{Source: source, Name: name, Columns: columns}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entity.RawBatch{}, fmt.Errorf("read row: %w", err)
		}
		rec := make(entity.RawRecord, len(keep))
		for j, idx := range keep {
			if idx < len(row) {
				rec[columns[j]] = row[idx]
			}
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}
