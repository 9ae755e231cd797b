package filelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Frame layout: [type:1][offset:8][time:8][len:4][payload][crc:4]
const headerSize = 1 + 8 + 8 + 4

var errCRCMismatch = errors.New("filelog: crc mismatch")

type record struct {
	typ     uint8
	offset  uint64
	time    int64
	payload []byte
}

func encodeRecord(r *record) []byte {
	buf := make([]byte, headerSize+len(r.payload)+4)
	buf[0] = r.typ
	binary.BigEndian.PutUint64(buf[1:9], r.offset)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.time))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(r.payload)))
	copy(buf[headerSize:], r.payload)
	crc := checksum(buf[:headerSize+len(r.payload)])
	binary.BigEndian.PutUint32(buf[headerSize+len(r.payload):], crc)
	return buf
}

func readRecord(r io.Reader) (*record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[17:21])
	body := make([]byte, length+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	payload := body[:length]
	crc := binary.BigEndian.Uint32(body[length:])
	if !checksumValid(append(header, payload...), crc) {
		return nil, errCRCMismatch
	}

	return &record{
		typ:     header[0],
		offset:  binary.BigEndian.Uint64(header[1:9]),
		time:    int64(binary.BigEndian.Uint64(header[9:17])),
		payload: payload,
	}, nil
}

type segment struct {
	file *os.File
	size int64
}

func openSegment(dir string, index int) (*segment, error) {
	path := filepath.Join(dir, fmt.Sprintf("segment-%06d.log", index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segment{file: f, size: st.Size()}, nil
}

func (s *segment) append(b []byte) error {
	n, err := s.file.Write(b)
	if err != nil {
		return err
	}
	s.size += int64(n)
	return nil
}

func (s *segment) sync() error  { return s.file.Sync() }
func (s *segment) close() error { return s.file.Close() }

// segmentPaths lists segment files in index order.
func segmentPaths(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// scanSegments walks every record in every segment in order. A partial
// record at the end of the newest segment is an append still in flight; the
// scan stops there and the record arrives through the live subscription.
func scanSegments(dir string, fn func(*record) error) error {
	paths, err := segmentPaths(dir)
	if err != nil {
		return err
	}
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		last := i == len(paths)-1
		for {
			rec, err := readRecord(f)
			if err != nil {
				if err == io.EOF || (last && err == io.ErrUnexpectedEOF) {
					break
				}
				f.Close()
				return err
			}
			if err := fn(rec); err != nil {
				f.Close()
				return err
			}
		}
		f.Close()
	}
	return nil
}

// repairTail drops a torn trailing record left by a crash mid-append: a
// record cut short by end of file, or one whose checksum fails with nothing
// written after it. Corruption anywhere before the tail is left for the
// consumer to report.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()

	var good int64
	for {
		rec, err := readRecord(f)
		if err == nil {
			good += int64(headerSize + len(rec.payload) + 4)
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return f.Truncate(good)
		}
		if errors.Is(err, errCRCMismatch) {
			pos, serr := f.Seek(0, io.SeekCurrent)
			if serr != nil {
				return serr
			}
			if pos == size {
				return f.Truncate(good)
			}
			// corruption before the tail surfaces at consumption
			return nil
		}
		return err
	}
}

// maxOffsetInSegment scans one segment for its highest offset. Used only for
// snapshot-based truncation.
func maxOffsetInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var max uint64
	for {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return max, nil
			}
			return max, err
		}
		off := binary.BigEndian.Uint64(header[1:9])
		if off > max {
			max = off
		}
		length := binary.BigEndian.Uint32(header[17:21])
		if _, err := f.Seek(int64(length+4), io.SeekCurrent); err != nil {
			return max, err
		}
	}
}
