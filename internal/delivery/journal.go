package delivery

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
)

// PathMode selects how upload paths are derived
type PathMode string

const (
	// PathCounter names uploads <prefix><n><ext> with n advancing only on
	// successful delivery
	PathCounter PathMode = "counter"
	// PathTimestamp names uploads <prefix><unix millis><ext>
	PathTimestamp PathMode = "timestamp"
)

// JournalOptions configures a Journal
type JournalOptions struct {
	// Dir holds the leveldb files. Empty keeps the journal in memory.
	Dir    string
	Mode   PathMode
	Prefix string // default "images/"
	Ext    string // default ".jpg"
	// StartCounter seeds the counter when none is stored yet
	StartCounter uint64
	// MaxRecords bounds the number of kept records (default 1000)
	MaxRecords uint64
}

// Record is the journal entry of one delivery cycle
type Record struct {
	Seq        uint64 `cbor:"1,keyasint"`
	Path       string `cbor:"2,keyasint"`
	Bucket     string `cbor:"3,keyasint"`
	Size       int    `cbor:"4,keyasint"`
	Digest     string `cbor:"5,keyasint,omitempty"`
	Trigger    string `cbor:"6,keyasint"`
	TraceID    string `cbor:"7,keyasint,omitempty"`
	Success    bool   `cbor:"8,keyasint"`
	Error      string `cbor:"9,keyasint,omitempty"`
	Generation string `cbor:"10,keyasint,omitempty"`
	StartedMs  int64  `cbor:"11,keyasint"`
	DurationMs int64  `cbor:"12,keyasint"`
}

var (
	counterKey = []byte("c")
	recordSeq  = []byte("s")
)

func recordKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = 'r'
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

// Journal persists the upload counter and a bounded history of deliveries
type Journal struct {
	db   *leveldb.DB
	opts JournalOptions
	enc  cbor.EncMode
	dec  cbor.DecMode
	now  func() time.Time

	mu      sync.Mutex
	counter uint64
	seq     uint64
}

// OpenJournal opens (or creates) a journal
func OpenJournal(opts JournalOptions) (*Journal, error) {
	if opts.Mode == "" {
		opts.Mode = PathCounter
	}
	if opts.Mode != PathCounter && opts.Mode != PathTimestamp {
		return nil, fmt.Errorf("journal: unknown path mode %q", opts.Mode)
	}
	if opts.Prefix == "" {
		opts.Prefix = "images/"
	}
	if opts.Ext == "" {
		opts.Ext = ".jpg"
	}
	if opts.MaxRecords == 0 {
		opts.MaxRecords = 1000
	}

	var db *leveldb.DB
	var err error
	if opts.Dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		db, err = leveldb.OpenFile(filepath.Join(opts.Dir, "journal"), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{TimeTag: cbor.DecTagIgnored}.DecMode()
	if err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db, opts: opts, enc: enc, dec: dec, now: time.Now}

	j.counter, err = j.loadUint(counterKey, opts.StartCounter)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.seq, err = j.loadUint(recordSeq, 0)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) loadUint(key []byte, def uint64) (uint64, error) {
	v, err := j.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: read %s: %w", key, err)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("journal: corrupt %s", key)
	}
	return binary.BigEndian.Uint64(v), nil
}

func putUint(b *leveldb.Batch, key []byte, v uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	b.Put(key, buf)
}

// NextPath returns the path the next upload should use. It does not
// advance anything; Commit does.
func (j *Journal) NextPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.opts.Mode {
	case PathTimestamp:
		return j.opts.Prefix + strconv.FormatInt(j.now().UnixMilli(), 10) + j.opts.Ext
	default:
		return j.opts.Prefix + strconv.FormatUint(j.counter, 10) + j.opts.Ext
	}
}

// Commit appends rec and, on success, advances the counter. Both writes
// land in one batch.
func (j *Journal) Commit(rec Record) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	rec.Seq = j.seq

	raw, err := j.enc.Marshal(rec)
	if err != nil {
		j.seq--
		return rec, fmt.Errorf("journal: encode: %w", err)
	}

	counter := j.counter
	if rec.Success && j.opts.Mode == PathCounter {
		counter++
	}

	b := new(leveldb.Batch)
	b.Put(recordKey(rec.Seq), raw)
	putUint(b, recordSeq, rec.Seq)
	putUint(b, counterKey, counter)
	if rec.Seq > j.opts.MaxRecords {
		b.Delete(recordKey(rec.Seq - j.opts.MaxRecords))
	}

	if err := j.db.Write(b, nil); err != nil {
		j.seq--
		return rec, fmt.Errorf("journal: write: %w", err)
	}
	j.counter = counter
	return rec, nil
}

// Counter returns the current upload counter
func (j *Journal) Counter() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counter
}

// Recent returns up to n records, newest first. n <= 0 yields none.
func (j *Journal) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	it := j.db.NewIterator(lutil.BytesPrefix([]byte{'r'}), nil)
	defer it.Release()

	out := make([]Record, 0, n)
	for ok := it.Last(); ok && len(out) < n; ok = it.Prev() {
		var rec Record
		if err := j.dec.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}
