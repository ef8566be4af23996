package archive

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "etcd-backup-20240715-123456.db")
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestRoundTrip(t *testing.T) {
	random := make([]byte, 256*1024)
	_, err := rand.Read(random)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"empty":      {},
		"text":       []byte("revision=42\n"),
		"repetitive": bytes.Repeat([]byte("bbolt page "), 50000),
		"random":     random,
	}
	for _, algo := range []string{Gzip, Zstd} {
		c, err := New(algo)
		require.NoError(t, err)
		for name, data := range inputs {
			t.Run(algo+"/"+name, func(t *testing.T) {
				src := writeFile(t, data)

				compressed, err := c.Compress(src)
				require.NoError(t, err)
				assert.Equal(t, src+c.Ext(), compressed)
				assert.NoFileExists(t, src, "source is removed once compressed output is verified")
				assert.NoFileExists(t, compressed+".part")

				plain, err := c.Decompress(compressed)
				require.NoError(t, err)
				assert.Equal(t, src, plain)
				assert.FileExists(t, compressed, "decompress keeps its input")

				got, err := os.ReadFile(plain)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestCompress_MissingSourceLeavesNothing(t *testing.T) {
	c, _ := New(Gzip)
	dir := t.TempDir()
	_, err := c.Compress(filepath.Join(dir, "missing.db"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecompress_Corrupt(t *testing.T) {
	inputs := map[string][]byte{
		"garbage": []byte("definitely not compressed data"),
		"empty":   {},
	}
	for _, algo := range []string{Gzip, Zstd} {
		for name, payload := range inputs {
			t.Run(algo+"/"+name, func(t *testing.T) {
				c, _ := New(algo)
				p := filepath.Join(t.TempDir(), "snap.db"+c.Ext())
				require.NoError(t, os.WriteFile(p, payload, 0o600))

				_, err := c.Decompress(p)
				require.ErrorIs(t, err, ErrCorrupt)
				assert.NoFileExists(t, filepath.Join(filepath.Dir(p), "snap.db"))
				assert.NoFileExists(t, filepath.Join(filepath.Dir(p), "snap.db.part"))
			})
		}
	}
}

func TestDecompress_Truncated(t *testing.T) {
	c, _ := New(Gzip)
	src := writeFile(t, bytes.Repeat([]byte("x"), 100000))
	compressed, err := c.Compress(src)
	require.NoError(t, err)

	data, err := os.ReadFile(compressed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(compressed, data[:len(data)/2], 0o600))

	_, err = c.Decompress(compressed)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecompress_WrongExtension(t *testing.T) {
	c, _ := New(Gzip)
	_, err := c.Decompress("/tmp/snap.db")
	require.Error(t, err)
}

func TestForPath(t *testing.T) {
	c, ok := ForPath("a.db.gz")
	assert.True(t, ok)
	assert.Equal(t, Gzip, c.Algorithm)

	c, ok = ForPath("a.db.zst")
	assert.True(t, ok)
	assert.Equal(t, Zstd, c.Algorithm)

	assert.False(t, IsCompressed("a.db"))

	_, err := New("lz4")
	require.ErrorIs(t, err, ErrUnsupported)
}
