package loader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lexara/sixworker/pkg/textx"
)

// ReadCSVBatches streams a headered CSV file in batches of batchSize after
// skipping startFrom data rows. Rows become Records keyed by header name,
// with each value sanitized of control characters and trimmed. Short rows
// keep whatever columns they have.
func ReadCSVBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("op=loader.read_csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("op=loader.read_csv: header: %w", err)
	}

	for i := 0; i < startFrom; i++ {
		if _, err := reader.Read(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("op=loader.read_csv: skip: %w", err)
		}
	}

	batch := make([]Record, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
			return err
		}
		batch = make([]Record, 0, batchSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("op=loader.read_csv: %w", err)
		}

		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = textx.SanitizeText(row[i])
			}
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ReadJSONBatches streams a JSON array of objects in batches of batchSize
// after skipping startFrom elements. The array is decoded incrementally so
// large files never load whole.
func ReadJSONBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("op=loader.read_json: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("op=loader.read_json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("op=loader.read_json: expected JSON array, got %v", tok)
	}

	skipped := 0
	batch := make([]Record, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
			return err
		}
		batch = make([]Record, 0, batchSize)
		return nil
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("op=loader.read_json: %w", err)
		}
		if skipped < startFrom {
			skipped++
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
