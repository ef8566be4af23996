// Package archive compresses snapshot files for transport and restores them.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

const (
	Gzip = "gzip"
	Zstd = "zstd"
)

var (
	ErrCorrupt     = errors.New("compressed stream is malformed")
	ErrUnsupported = errors.New("unsupported compression")
	ErrMismatch    = errors.New("compressed output does not decode to the source")
)

// Codec compresses and decompresses files next to the original.
type Codec struct {
	Algorithm string
}

// New validates the algorithm name.
func New(algorithm string) (Codec, error) {
	switch algorithm {
	case Gzip, Zstd:
		return Codec{Algorithm: algorithm}, nil
	}
	return Codec{}, fmt.Errorf("%w: %q", ErrUnsupported, algorithm)
}

// Ext returns the file extension this codec appends.
func (c Codec) Ext() string {
	if c.Algorithm == Zstd {
		return ".zst"
	}
	return ".gz"
}

// IsCompressed reports whether path carries an extension any codec produces.
func IsCompressed(path string) bool {
	_, ok := ForPath(path)
	return ok
}

// ForPath picks the codec matching the file extension of path.
func ForPath(path string) (Codec, bool) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return Codec{Algorithm: Gzip}, true
	case strings.HasSuffix(path, ".zst"):
		return Codec{Algorithm: Zstd}, true
	}
	return Codec{}, false
}

// Compress writes path+Ext() and removes path once the compressed file is
// synced, verified to decode back to the source and renamed into place.
// On failure the source is untouched and no partial output remains.
func (c Codec) Compress(path string) (string, error) {
	start := time.Now()
	dst := path + c.Ext()
	tmp := dst + ".part"

	srcSum, srcSize, err := util.SHA256File(path)
	if err != nil {
		return "", fmt.Errorf("checksum source: %w", err)
	}

	if err := c.compressTo(path, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	gotSum, _, err := c.decodedSum(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("verify %s: %w", tmp, err)
	}
	if gotSum != srcSum {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("verify %s: %w", tmp, ErrMismatch)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("action", "compress").Str("file", path).Msg("failed to remove source after compression")
	}

	var dstSize int64
	if fi, err := os.Stat(dst); err == nil {
		dstSize = fi.Size()
	}
	log.Debug().
		Str("action", "compress").
		Str("algorithm", c.Algorithm).
		Str("local", dst).
		Int64("source_bytes", srcSize).
		Int64("compressed_bytes", dstSize).
		Dur("elapsed_ms", time.Since(start)).
		Msg("compress OK")
	return dst, nil
}

func (c Codec) compressTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	enc, err := c.newWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("flush encoder: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (c Codec) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.Algorithm {
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true))
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, c.Algorithm)
}

// newReader wraps r in a decoder. Header errors are reported as ErrCorrupt.
func (c Codec) newReader(r io.Reader) (io.ReadCloser, error) {
	switch c.Algorithm {
	case Zstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(1<<30))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return d.IOReadCloser(), nil
	case Gzip:
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, c.Algorithm)
}

func (c Codec) decodedSum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	dec, err := c.newReader(f)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = dec.Close() }()

	sum, n, err := util.SHA256Reader(dec)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return sum, n, nil
}

// Decompress writes path without its codec extension and returns that path.
// The compressed input is kept.
func (c Codec) Decompress(path string) (string, error) {
	dst, ok := strings.CutSuffix(path, c.Ext())
	if !ok || dst == "" {
		return "", fmt.Errorf("%s: expected %s extension", path, c.Ext())
	}
	tmp := dst + ".part"

	if err := c.decompressTo(path, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	log.Debug().Str("action", "decompress").Str("algorithm", c.Algorithm).Str("local", dst).Msg("decompress OK")
	return dst, nil
}

func (c Codec) decompressTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// our encoders always emit a header, even for an empty payload
	if fi, err := in.Stat(); err != nil {
		return err
	} else if fi.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorrupt, src)
	}

	dec, err := c.newReader(in)
	if err != nil {
		return err
	}
	defer func() { _ = dec.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
