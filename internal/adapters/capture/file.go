package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// readUnits loads every access unit of an Annex-B file.
func readUnits(path string) ([][]byte, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	au, err := newAccessUnits(f)
	if err != nil {
		return nil, nil, err
	}
	var (
		units [][]byte
		keys  []bool
	)
	for {
		u, key, err := au.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
		units = append(units, u)
		keys = append(keys, key)
	}
	if len(units) == 0 {
		return nil, nil, fmt.Errorf("%s: no h264 access units", path)
	}
	return units, keys, nil
}
