package logstore

import (
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"docchat/internal/kst"
	"docchat/internal/logging"
)

var shardDateRE = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\.jsonl(\.gz)?$`)

// CompressAndPrune walks dated JSONL files under root, gzipping those older
// than compressAfterDays and deleting anything older than retentionDays.
// Files whose name carries no date are left alone. Returns the compressed and
// deleted counts.
func CompressAndPrune(root string, compressAfterDays, retentionDays int) (int, int, error) {
	today := kst.Today()
	compressBefore := today.AddDate(0, 0, -compressAfterDays)
	deleteBefore := today.AddDate(0, 0, -retentionDays)

	compressed, deleted := 0, 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := shardDateRE.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		date, parseErr := time.ParseInLocation(kst.DateLayout, m[1], kst.Location)
		if parseErr != nil {
			return nil
		}

		switch {
		case date.Before(deleteBefore):
			if rmErr := os.Remove(path); rmErr != nil {
				logging.For("retention").Error().Err(rmErr).Str("path", path).Msg("delete failed")
			} else {
				deleted++
			}
		case date.Before(compressBefore) && !strings.HasSuffix(path, ".gz"):
			if gzErr := gzipFile(path); gzErr != nil {
				logging.For("retention").Error().Err(gzErr).Str("path", path).Msg("compress failed")
			} else {
				compressed++
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return compressed, deleted, fmt.Errorf("retention walk of %s failed: %w", root, err)
	}

	if compressed > 0 || deleted > 0 {
		logging.For("retention").Info().
			Str("root", root).
			Int("compressed", compressed).
			Int("deleted", deleted).
			Msg("retention pass complete")
	}
	return compressed, deleted, nil
}

// gzipFile replaces path with path.gz. The original is removed only after the
// compressed copy is fully written and closed.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("failed to create %s.gz: %w", path, err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("failed to finish %s.gz: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s.gz: %w", path, err)
	}
	return os.Remove(path)
}
