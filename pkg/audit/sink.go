package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// FileSink appends records as JSON lines to a single file, fsyncing each
// append so the durable log never trails the in-memory chain.
type FileSink struct {
	file *os.File
	enc  *json.Encoder
}

// OpenFileSink opens (or creates) the JSONL audit file in append-only mode.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one record as a JSON line and syncs.
func (s *FileSink) Append(rec *Record) error {
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.file.Close()
}

// ReadFile loads all records from a JSONL audit file. A trailing partial
// line (torn write from a crash) is ignored; everything before it must
// decode cleanly.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readRecords(f)
}

func readRecords(r io.Reader) ([]*Record, error) {
	var lines [][]byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}

	records := make([]*Record, 0, len(lines))
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Only the final line may be undecodable: that is a torn
			// write from a crash. An undecodable line with records
			// after it is corruption, and dropping the suffix would
			// hide committed records behind a chain that still
			// verifies.
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("%w: undecodable record at line %d with %d record(s) after it",
				ErrChainBroken, i+1, len(lines)-i-1)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Export streams the chain as JSON lines to w, for external tamper
// auditing.
func Export(w io.Writer, records []*Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export audit record %d: %w", rec.Sequence, err)
		}
	}
	return nil
}
