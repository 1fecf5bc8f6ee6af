package tablet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Serialize writes t to a file in the spec's big-endian, length-prefixed
// row/column format:
//
//	uint32 row_count
//	{ uint32 row_key_len, row_key, uint32 col_count,
//	  { uint32 col_key_len, col_key, uint32 val_len, val }... }...
func (t *Tablet) Serialize(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("create tablet file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	rows := t.GetAllRows()

	if err := writeU32(w, uint32(len(rows))); err != nil {
		return err
	}
	for _, rowKey := range rows {
		r, ok := t.lookupRow(rowKey)
		if !ok {
			continue // deleted concurrently; skip rather than fail the whole snapshot
		}
		r.mu.RLock()
		err := writeRow(w, rowKey, r.columns)
		r.mu.RUnlock()
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeRow(w *bufio.Writer, rowKey string, columns map[string][]byte) error {
	if err := writeString(w, rowKey); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(columns))); err != nil {
		return err
	}
	for col, val := range columns {
		if err := writeString(w, col); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(val))); err != nil {
			return err
		}
		if _, err := w.Write(val); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func writeU32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// Deserialize populates an equivalent tablet from fileName. Every
// deserialized row gets a fresh, unlocked lock (spec note: no need to
// serialize lock state).
func Deserialize(fileName, rangeStart, rangeEnd string) (*Tablet, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("open tablet file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	rowCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read row count: %w", err)
	}

	t := New(rangeStart, rangeEnd)
	for i := uint32(0); i < rowCount; i++ {
		rowKey, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read row key %d: %w", i, err)
		}
		colCount, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("read column count for row %q: %w", rowKey, err)
		}
		rd := &rowData{columns: make(map[string][]byte, colCount)}
		for j := uint32(0); j < colCount; j++ {
			colKey, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("read column key: %w", err)
			}
			valLen, err := readU32(r)
			if err != nil {
				return nil, fmt.Errorf("read value length: %w", err)
			}
			val := make([]byte, valLen)
			if _, err := io.ReadFull(r, val); err != nil {
				return nil, fmt.Errorf("read value bytes: %w", err)
			}
			rd.columns[colKey] = val
		}
		t.rows[rowKey] = rd
	}
	return t, nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
