// External file-queue ingress: the runner's only inbound channel besides
// the micro-loop and the (optional) signal source, ported from runner.py's
// _read_external_intents / _external_intent_loop / _load_cursor /
// _save_cursor (spec.md §6.2, §6.3).
package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"perpsd/intent"
)

// cursorFile persists a byte offset into queuePath so a restarted runner
// resumes exactly where it left off instead of replaying the whole file.
type cursorFile struct {
	path string
}

func newCursorFile(path string) *cursorFile {
	return &cursorFile{path: path}
}

func (c *cursorFile) load() int64 {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (c *cursorFile) save(offset int64) error {
	if offset < 0 {
		offset = 0
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, []byte(strconv.FormatInt(offset, 10)), 0o600)
}

// readExternalIntents reads queuePath from cursor to EOF, one JSON record
// per line, normalizing each via intent.Normalize. A line that fails to
// parse or normalize is reported as a rejection rather than aborting the
// whole batch, matching _read_external_intents's per-line try/except.
func readExternalIntents(queuePath string, cursor int64) (intents []intent.ExecutionIntent, nextCursor int64, rejections []string) {
	info, err := os.Stat(queuePath)
	if err != nil {
		return nil, 0, nil
	}

	if cursor > info.Size() {
		cursor = 0
	}

	f, err := os.Open(queuePath)
	if err != nil {
		return nil, cursor, []string{fmt.Sprintf("queue_read_failed:%v", err)}
	}
	defer f.Close()

	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return nil, cursor, []string{fmt.Sprintf("queue_read_failed:%v", err)}
	}

	reader := bufio.NewReader(f)
	offset := cursor
	for {
		line, readErr := reader.ReadString('\n')
		offset += int64(len(line))
		text := strings.TrimSpace(line)
		if text != "" {
			in, err := intent.Normalize([]byte(text))
			if err != nil {
				rejections = append(rejections, fmt.Sprintf("invalid_payload:%v", err))
			} else {
				intents = append(intents, in)
			}
		}
		if readErr != nil {
			break
		}
	}
	return intents, offset, rejections
}

// markerDir is the idempotency-marker directory described by spec.md §6.2:
// one empty marker file per already-applied external idempotency key, so
// restarting the runner never replays a queue entry the consumer already
// executed even if the cursor file itself was lost. Marker filenames use a
// keyed blake2b hash of the idempotency key rather than the raw key so an
// operator-controlled string can never become (or collide with) a path
// the filesystem treats specially.
type markerDir struct {
	dir string
	key [blake2b.Size256]byte // static hash key, not a secret
}

func newMarkerDir(dir string) *markerDir {
	return &markerDir{dir: dir, key: blake2b.Sum256([]byte("perpsd-intent-idempotency-marker"))}
}

func (m *markerDir) markerName(idempotencyKey string) (string, error) {
	h, err := blake2b.New256(m.key[:])
	if err != nil {
		return "", err
	}
	h.Write([]byte(idempotencyKey))
	return fmt.Sprintf("%x.seen", h.Sum(nil)), nil
}

// seen reports whether idempotencyKey already has a marker on disk.
func (m *markerDir) seen(idempotencyKey string) bool {
	name, err := m.markerName(idempotencyKey)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(m.dir, name))
	return err == nil
}

// mark creates idempotencyKey's marker file, exclusively: a second caller
// racing the same key observes os.IsExist and treats it as already seen.
func (m *markerDir) mark(idempotencyKey string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	name, err := m.markerName(idempotencyKey)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(m.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// SweepIntentMarkers removes idempotency markers under dir older than
// olderThan, for the --sweep-markers-older-than maintenance flag
// (cmd/perpsd).
// Markers are never cleaned up by the running process itself: the set is
// small (one file per external intent ever seen) and correctness, not disk
// usage, is the concern the marker directory exists for.
func SweepIntentMarkers(dir string, olderThan time.Duration) (removed int, err error) {
	return newMarkerDir(dir).sweepOlderThan(time.Now().Add(-olderThan).Unix())
}

// sweepOlderThan removes markers whose mtime is older than the given
// cutoff.
func (m *markerDir) sweepOlderThan(cutoffUnix int64) (removed int, err error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Unix() < cutoffUnix {
			if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
