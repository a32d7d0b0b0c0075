package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const archiveSegmentMaxAge = 6 * time.Hour

// Archive keeps an append-only audit trail of committed usage records as
// zstd-compressed JSONL segments under day directories. It is decoupled
// from the SQL store: appends are best effort and never participate in the
// billing transaction.
type Archive struct {
	mu        sync.Mutex
	dir       string
	maxAge    time.Duration
	writer    *segmentWriter
	writerDir string
}

func NewArchive(dir string) *Archive {
	return &Archive{dir: dir, maxAge: archiveSegmentMaxAge}
}

func (a *Archive) Append(entry *UsageLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := entry.ChatAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	dayDir := filepath.Join(a.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
	if a.writer == nil || a.writerDir != dayDir {
		if err := a.closeLocked(); err != nil {
			return err
		}
		w, err := newSegmentWriter(dayDir)
		if err != nil {
			return err
		}
		a.writer = w
		a.writerDir = dayDir
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := a.writer.writeLine(line, ts); err != nil {
		return err
	}
	if a.maxAge > 0 && time.Since(a.writer.openedAt) >= a.maxAge {
		return a.closeLocked()
	}
	return nil
}

// Flush seals the open segment so its records become visible to Scan.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

// Scan replays every sealed record in segment order.
func (a *Archive) Scan(fn func(UsageLog)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	segments, err := listArchiveSegments(a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, path := range segments {
		if err := scanArchiveSegment(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) closeLocked() error {
	if a.writer == nil {
		return nil
	}
	err := a.writer.close()
	a.writer = nil
	a.writerDir = ""
	return err
}

// segmentWriter streams JSONL lines through a zstd encoder into a tmp file
// that is renamed to min-max-seq.jsonl.zst on close. Empty segments leave
// no file behind.
type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.UTC().Unix(), w.maxTs.UTC().Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

func listArchiveSegments(root string) ([]string, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	var out []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func scanArchiveSegment(path string, fn func(UsageLog)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry UsageLog
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		fn(entry)
	}
	return sc.Err()
}
