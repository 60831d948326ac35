// Package compression implements the optional at-rest compression applied
// to a partition's column files once the TTL sweeper closes them for
// eviction: closed partitions are rarely written again, so shrinking them
// on disk trades a one-time CPU cost for long-term footprint.
package compression

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressFile zstd-compresses src in place, replacing it with a .zst
// sibling and removing the original. It is only safe to call on a closed
// (unmapped) column file.
func CompressFile(path string) (compressedPath string, err error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	compressedPath = path + ".zst"
	out, err := os.Create(compressedPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	return compressedPath, os.Remove(path)
}

// DecompressFile reverses CompressFile, restoring path from path+".zst".
func DecompressFile(compressedPath, path string) error {
	in, err := os.Open(compressedPath)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return err
	}
	return os.Remove(compressedPath)
}
