package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

func newHasher() hash.Hash { return sha256.New() }

func hexSum(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

func digestEqual(got, want string) bool {
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want))
}

// hashFile returns the hex SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := newHasher()
	if _, err := io.CopyBuffer(h, f, make([]byte, copyBufSize)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hexSum(h), nil
}

// hashPrefix feeds the first n bytes of path into h so a resumed transfer can
// keep a single streaming digest.
func hashPrefix(path string, n int64, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open partial: %w", err)
	}
	defer f.Close()
	got, err := io.CopyBuffer(h, io.LimitReader(f, n), make([]byte, copyBufSize))
	if err != nil {
		return fmt.Errorf("hash partial: %w", err)
	}
	if got != n {
		return fmt.Errorf("hash partial: read %d of %d bytes", got, n)
	}
	return nil
}

// hasMagic reports whether the file starts with magic. Files shorter than
// the header do not match.
func hasMagic(path string, magic []byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("read header: %w", err)
	}
	return bytes.Equal(head, magic), nil
}
