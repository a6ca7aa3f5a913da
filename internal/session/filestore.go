package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

const (
	hmacKeySize   = 32
	maxRecordSize = 64 * 1024 * 1024
	activeDir     = "sessions"
	archiveDir    = "archive"
	recordExt     = ".json"
)

// envelope is the on-disk form: the record bytes and their HMAC.
type envelope struct {
	Record   json.RawMessage `json:"record"`
	Checksum string          `json:"checksum"`
}

// FileStore keeps one HMAC-checked JSON file per session under dir.
//
// Layout:
//
//	<dir>/.hmac_key          0600, random
//	<dir>/sessions/<id>.json active sessions
//	<dir>/archive/<id>.json  terminal sessions
type FileStore struct {
	dir    string
	key    []byte
	logger *zap.Logger
	opts   []ledger.Option
	mu     sync.Mutex
}

// NewFileStore opens or creates a store rooted at dir.
func NewFileStore(dir string, logger *zap.Logger, opts ...ledger.Option) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clean := filepath.Clean(dir)
	if strings.Contains(dir, "..") {
		return nil, fmt.Errorf("store: path contains directory traversal: %s", dir)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return nil, fmt.Errorf("store: resolving %s: %w", dir, err)
	}
	for _, sub := range []string{abs, filepath.Join(abs, activeDir), filepath.Join(abs, archiveDir)} {
		if err := os.MkdirAll(sub, 0700); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", sub, err)
		}
	}

	s := &FileStore{dir: abs, logger: logger, opts: opts}
	if err := s.initKey(); err != nil {
		return nil, fmt.Errorf("store: initializing HMAC key: %w", err)
	}
	return s, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) keyPath() string { return filepath.Join(s.dir, ".hmac_key") }

func (s *FileStore) initKey() error {
	data, err := os.ReadFile(s.keyPath())
	if err == nil {
		if len(data) != hmacKeySize {
			return fmt.Errorf("invalid key size: expected %d, got %d", hmacKeySize, len(data))
		}
		if info, serr := os.Stat(s.keyPath()); serr == nil && info.Mode().Perm() != 0600 {
			s.logger.Warn("store: HMAC key file has insecure permissions",
				zap.String("key_path", s.keyPath()),
				zap.String("mode", fmt.Sprintf("%04o", info.Mode().Perm())))
		}
		s.key = data
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := writeFileAtomic(s.keyPath(), key); err != nil {
		return err
	}
	s.key = key
	s.logger.Info("store: generated new HMAC key", zap.String("key_path", s.keyPath()))
	return nil
}

func (s *FileStore) checksum(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *FileStore) path(sub, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fault.Validationf("store.path", "invalid session id %q", id)
	}
	return filepath.Join(s.dir, sub, id+recordExt), nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, sess *Session) error {
	data, err := json.Marshal(sess.Record())
	if err != nil {
		return fault.New(fault.Fatal, "store.save", fmt.Errorf("encoding session %s: %w", sess.ID, err))
	}
	env, err := json.Marshal(envelope{Record: data, Checksum: s.checksum(data)})
	if err != nil {
		return fault.New(fault.Fatal, "store.save", err)
	}
	if len(env) > maxRecordSize {
		return fault.Newf(fault.Fatal, "store.save", errors.New("record too large"), "%d bytes", len(env))
	}

	p, err := s.path(activeDir, sess.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(p, env); err != nil {
		return fault.New(fault.Fatal, "store.save", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, _, err := s.load(id)
	return sess, err
}

func (s *FileStore) load(id string) (*Session, bool, error) {
	for _, sub := range []string{activeDir, archiveDir} {
		p, err := s.path(sub, id)
		if err != nil {
			return nil, false, err
		}
		sess, err := s.readRecord(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return sess, sub == archiveDir, nil
	}
	return nil, false, notFound("store.load", id)
}

func (s *FileStore) readRecord(p string) (*Session, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxRecordSize {
		return nil, fault.Newf(fault.Fatal, "store.load", ledger.ErrCorrupt, "%s is %d bytes", filepath.Base(p), info.Size())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.New(fault.Fatal, "store.load", fmt.Errorf("%w: %s: %v", ledger.ErrCorrupt, filepath.Base(p), err))
	}
	want := s.checksum(env.Record)
	if subtle.ConstantTimeCompare([]byte(want), []byte(env.Checksum)) != 1 {
		return nil, fault.Newf(fault.Fatal, "store.load", ErrChecksumMismatch, "%s", filepath.Base(p))
	}

	var rec Record
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, fault.New(fault.Fatal, "store.load", fmt.Errorf("%w: %s: %v", ledger.ErrCorrupt, filepath.Base(p), err))
	}
	return FromRecord(rec, s.opts...)
}

// ReadRecord returns the verified raw record of id.
func (s *FileStore) ReadRecord(id string) (Record, error) {
	sess, err := s.Load(context.Background(), id)
	if err != nil {
		return Record{}, err
	}
	return sess.Record(), nil
}

// List implements Store. Unreadable records are logged and skipped.
func (s *FileStore) List(_ context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Info
	for _, sub := range []string{activeDir, archiveDir} {
		files, err := filepath.Glob(filepath.Join(s.dir, sub, "*"+recordExt))
		if err != nil {
			return nil, fmt.Errorf("store: listing %s: %w", sub, err)
		}
		for _, f := range files {
			sess, err := s.readRecord(f)
			if err != nil {
				s.logger.Warn("store: skipping unreadable session record",
					zap.String("file", f), zap.Error(err))
				continue
			}
			out = append(out, InfoOf(sess, sub == archiveDir))
		}
	}
	sortInfos(out)
	return out, nil
}

// FindActive implements Store.
func (s *FileStore) FindActive(_ context.Context, workspace string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(s.dir, activeDir, "*"+recordExt))
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	for _, f := range files {
		sess, err := s.readRecord(f)
		if err != nil {
			s.logger.Warn("store: skipping unreadable session record",
				zap.String("file", f), zap.Error(err))
			continue
		}
		if sess.Workspace == workspace && !sess.Status.Terminal() {
			return sess, nil
		}
	}
	return nil, notFound("store.find_active", workspace)
}

// Archive implements Store.
func (s *FileStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, archived, err := s.load(id)
	if err != nil {
		return err
	}
	if archived {
		return nil
	}
	if !sess.Status.Terminal() {
		return fault.Validationf("store.archive", "session %s is %s", id, sess.Status)
	}
	from, _ := s.path(activeDir, id)
	to, _ := s.path(archiveDir, id)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("store: archiving %s: %w", id, err)
	}
	s.logger.Debug("store: session archived", zap.String("session_id", id))
	return nil
}

// writeFileAtomic writes data through a 0600 temp file, fsync and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
