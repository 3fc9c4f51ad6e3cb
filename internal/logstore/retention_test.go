package logstore

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/kst"
)

func writeShardFile(t *testing.T, root, date, content string) string {
	t.Helper()
	dir := filepath.Join(root, date[:4], date[5:7])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, date+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCompressAndPrune(t *testing.T) {
	root := t.TempDir()

	fresh := kst.Today().AddDate(0, 0, -1).Format(kst.DateLayout)
	aging := kst.Today().AddDate(0, 0, -10).Format(kst.DateLayout)
	ancient := kst.Today().AddDate(0, 0, -100).Format(kst.DateLayout)

	freshPath := writeShardFile(t, root, fresh, `{"log_id":"a"}`+"\n")
	agingPath := writeShardFile(t, root, aging, `{"log_id":"b"}`+"\n")
	ancientPath := writeShardFile(t, root, ancient, `{"log_id":"c"}`+"\n")

	// A file without a date in its name is never touched.
	keeper := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(keeper, []byte("keep"), 0o644))

	compressed, deleted, err := CompressAndPrune(root, 7, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, compressed)
	assert.Equal(t, 1, deleted)

	assert.FileExists(t, freshPath)
	assert.NoFileExists(t, agingPath)
	assert.FileExists(t, agingPath+".gz")
	assert.NoFileExists(t, ancientPath)
	assert.NoFileExists(t, ancientPath+".gz")
	assert.FileExists(t, keeper)

	// The compressed shard round-trips.
	f, err := os.Open(agingPath + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"log_id":"b"`))
}

func TestCompressAndPruneIdempotent(t *testing.T) {
	root := t.TempDir()
	aging := kst.Today().AddDate(0, 0, -10).Format(kst.DateLayout)
	writeShardFile(t, root, aging, "{}\n")

	_, _, err := CompressAndPrune(root, 7, 90)
	require.NoError(t, err)

	// Second pass finds only the .gz and leaves it alone.
	compressed, deleted, err := CompressAndPrune(root, 7, 90)
	require.NoError(t, err)
	assert.Zero(t, compressed)
	assert.Zero(t, deleted)
}

func TestCompressAndPruneMissingRoot(t *testing.T) {
	compressed, deleted, err := CompressAndPrune(filepath.Join(t.TempDir(), "nope"), 7, 90)
	require.NoError(t, err)
	assert.Zero(t, compressed)
	assert.Zero(t, deleted)
}
