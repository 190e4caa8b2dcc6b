package persistence

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// Scan calls fn for every intact record in the archive at path and returns
// how many it read. A missing file is empty. Reading stops quietly at a torn
// or corrupt record, which is what a crash mid-append leaves behind.
func Scan(path string, fn func(Record) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	n := 0
	for {
		rec, err := DecodeFrom(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
				return n, nil
			}
			return n, err
		}
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
}
