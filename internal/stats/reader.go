package stats

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"docchat/internal/kst"
	"docchat/internal/logging"
	"docchat/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shardPath resolves the interaction shard for a date, trying the partitioned
// plain file, its gzip variant, then the legacy flat layout. Empty when no
// shard exists.
func shardPath(logsDir, date string) string {
	year, month := date[:4], date[5:7]
	candidates := []string{
		filepath.Join(logsDir, "data", year, month, date+".jsonl"),
		filepath.Join(logsDir, "data", year, month, date+".jsonl.gz"),
		filepath.Join(logsDir, "data", date+".jsonl"),
		filepath.Join(logsDir, "data", date+".jsonl.gz"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readShard streams the shard in chunks of chunkSize records (0 = single
// chunk), invoking fn per chunk. Corrupt lines are skipped and counted.
// Timestamps are normalized to naive KST during parsing.
func readShard(path string, chunkSize int, largeFileThreshold int64, fn func(chunk []models.InteractionRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open shard %s: %w", path, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && largeFileThreshold > 0 && info.Size() > largeFileThreshold {
		logging.For("stats").Warn().
			Str("path", path).
			Int64("size", info.Size()).
			Msg("large shard, aggregation may be slow")
	}

	var reader io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip shard %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var chunk []models.InteractionRecord
	corrupt := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := fn(chunk)
		chunk = chunk[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.InteractionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			corrupt++
			continue
		}
		rec.CreatedAt = normalizeKST(rec.CreatedAt)
		chunk = append(chunk, rec)
		if chunkSize > 0 && len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read shard %s: %w", path, err)
	}
	if corrupt > 0 {
		logging.For("stats").Warn().Str("path", path).Int("skipped", corrupt).Msg("skipped corrupt lines")
	}
	return flush()
}

// normalizeKST converts any parseable timestamp to a naive KST string.
// Unparseable values pass through unchanged.
func normalizeKST(ts string) string {
	t, err := kst.Parse(ts)
	if err != nil {
		return ts
	}
	return t.Format(kst.TimestampLayout)
}
