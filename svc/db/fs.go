package db

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cipherbin/pkg/domain"

	"github.com/pkg/errors"
)

const (
	// protectionLine makes a PHP-capable web server abort with 403 instead of
	// serving a record if the data directory is ever exposed.
	protectionLine = "<?php http_response_code(403); /*"
	htaccessBody   = "Require all denied\n"
	fileMode       = 0o640
	dirMode        = 0o700
	phpSuffix      = ".php"
	discussionExt  = ".discussion"
)

var (
	pasteGlob        = filepath.Join("[a-f0-9][a-f0-9]", "[a-f0-9][a-f0-9]", strings.Repeat("[a-f0-9]", 16)+"*")
	purgeLimiterExpr = regexp.MustCompile(`\$GLOBALS\['purge_limiter'\]\s*=\s*'?([^';]*)'?;`)
	trafficEntryExpr = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'\s*=>\s*'?((?:[^'\\,]|\\.)*)'?,`)
)

// FS stores every record as a JSON file below dir, fanned out by the first
// two byte pairs of the paste id:
//
//	dir/f4/68/f468483c313401e8.php
//	dir/f4/68/f468483c313401e8.discussion/<pasteid>.<commentid>.<parentid>.php
type FS struct {
	dir string
	// cfgMu serialises read-modify-write of traffic_limiter.php within this
	// process.
	cfgMu sync.Mutex
	now   func() time.Time
}

func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("data dir is required")
	}
	s := &FS{dir: dir, now: time.Now}
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenFS opens an existing data dir without creating it or writing the
// .htaccess guard. It is meant for reading another instance's records.
func OpenFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("data dir is required")
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "open data dir")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}
	return &FS{dir: dir, now: time.Now}, nil
}

func (s *FS) ensureDir() error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	ht := filepath.Join(s.dir, ".htaccess")
	if _, err := os.Stat(ht); err == nil {
		return nil
	}
	return errors.Wrap(os.WriteFile(ht, []byte(htaccessBody), fileMode), "write .htaccess")
}

func (s *FS) pasteBase(id string) string {
	return filepath.Join(s.dir, id[:2], id[2:4], id)
}

func (s *FS) discussionDir(id string) string {
	return s.pasteBase(id) + discussionExt
}

func (s *FS) commentPath(pasteID, parentID, commentID string) string {
	return filepath.Join(s.discussionDir(pasteID), pasteID+"."+commentID+"."+parentID+phpSuffix)
}

func (s *FS) Create(ctx context.Context, id string, p *domain.Paste) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if err := s.upgrade(id); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return s.writeOnce(s.pasteBase(id)+phpSuffix, []byte(protectionLine+"\n"), data)
}

func (s *FS) Read(ctx context.Context, id string) (*domain.Paste, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return p, nil
}

// load returns the paste regardless of its expiry.
func (s *FS) load(ctx context.Context, id string) (*domain.Paste, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var p domain.Paste
	if err := readRecord(s.pasteBase(id)+phpSuffix, &p); err != nil {
		return nil, err
	}
	return domain.UpgradeLegacy(&p), nil
}

func (s *FS) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	base := s.pasteBase(id)
	for _, path := range []string{base + phpSuffix, base} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, "fs delete paste")
		}
	}
	return errors.Wrap(os.RemoveAll(s.discussionDir(id)), "fs delete discussion")
}

// Exists converts legacy files without the protection line on first touch.
func (s *FS) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	if err := s.upgrade(id); err != nil {
		return false, err
	}
	return isFile(s.pasteBase(id) + phpSuffix)
}

func (s *FS) upgrade(id string) error {
	base := s.pasteBase(id)
	ok, err := isFile(base)
	if err != nil || !ok {
		return err
	}
	if err := s.prependRename(base, base+phpSuffix); err != nil {
		return err
	}
	disc := s.discussionDir(id)
	entries, err := os.ReadDir(disc)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read discussion dir")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, phpSuffix) || len(name) < 16 {
			continue
		}
		src := filepath.Join(disc, name)
		if err := s.prependRename(src, src+phpSuffix); err != nil {
			return err
		}
	}
	return nil
}

func (s *FS) prependRename(src, dst string) error {
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read legacy file")
	}
	if err := s.writeOnce(dst, []byte(protectionLine+"\n"), data); err != nil && !errors.Is(err, ErrExists) {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "remove legacy file")
	}
	return nil
}

// writeOnce writes a temp file and hard-links it into place. The link fails
// if path exists, so concurrent writers get exactly one winner and readers
// never observe a partially written record.
func (s *FS) writeOnce(path string, parts ...[]byte) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrap(err, "create record dir")
	}
	tmp, err := writeTemp(dir, parts...)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return errors.Wrap(err, "link record")
	}
	return nil
}

// writeReplace atomically replaces path.
func (s *FS) writeReplace(path string, data []byte) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replace file")
	}
	return nil
}

func writeTemp(dir string, parts ...[]byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	name := f.Name()
	fail := func(err error, msg string) (string, error) {
		f.Close()
		os.Remove(name)
		return "", errors.Wrap(err, msg)
	}
	for _, p := range parts {
		if _, err := f.Write(p); err != nil {
			return fail(err, "write temp file")
		}
	}
	if err := f.Sync(); err != nil {
		return fail(err, "sync temp file")
	}
	if err := f.Chmod(fileMode); err != nil {
		return fail(err, "chmod temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", errors.Wrap(err, "close temp file")
	}
	return name, nil
}

func readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "read record")
	}
	data = []byte(strings.TrimPrefix(string(data), protectionLine+"\n"))
	return errors.Wrap(json.Unmarshal(data, v), "decode record")
}

func isFile(path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "stat")
	}
	return fi.Mode().IsRegular(), nil
}

func (s *FS) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	if !validCommentKey(pasteID, parentID, commentID) {
		return ErrInvalidID
	}
	if err := s.upgrade(pasteID); err != nil {
		return err
	}
	data, err := json.Marshal(c.Payload())
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	return s.writeOnce(s.commentPath(pasteID, parentID, commentID), []byte(protectionLine+"\n"), data)
}

func (s *FS) ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error) {
	if !ValidID(pasteID) {
		return nil, nil
	}
	if err := s.upgrade(pasteID); err != nil {
		return nil, err
	}
	disc := s.discussionDir(pasteID)
	entries, err := os.ReadDir(disc)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read discussion dir")
	}
	// ReadDir returns entries sorted by name, which fixes the tie order.
	var comments []domain.Comment
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, phpSuffix) {
			continue
		}
		// pasteid.commentid.parentid.php
		parts := strings.Split(strings.TrimSuffix(name, phpSuffix), ".")
		if len(parts) != 3 {
			continue
		}
		var c domain.Comment
		if err := readRecord(filepath.Join(disc, name), &c); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		c.ID = parts[1]
		c.ParentID = parts[2]
		comments = append(comments, c)
	}
	return orderComments(comments), nil
}

func (s *FS) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	if !validCommentKey(pasteID, parentID, commentID) {
		return false, nil
	}
	if err := s.upgrade(pasteID); err != nil {
		return false, err
	}
	return isFile(s.commentPath(pasteID, parentID, commentID))
}

func (s *FS) GetAllPasteIDs(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, pasteGlob))
	if err != nil {
		return nil, errors.Wrap(err, "glob pastes")
	}
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(filepath.Base(m), phpSuffix)
		if !ValidID(id) {
			continue
		}
		if ok, _ := isFile(m); !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FS) PurgeExpired(ctx context.Context, batchSize int) ([]string, error) {
	ids, err := s.GetAllPasteIDs(ctx)
	if err != nil {
		return nil, err
	}
	return sweepExpired(ctx, ids, batchSize, s.now(), s.expiry, s.Delete)
}

func (s *FS) expiry(ctx context.Context, id string) (int64, bool, error) {
	p, err := s.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return p.Meta.ExpireDate, true, nil
}

func (s *FS) configPath(ns string) string {
	return filepath.Join(s.dir, ns+phpSuffix)
}

func (s *FS) SetValue(ctx context.Context, value, namespace, key string) error {
	switch namespace {
	case NamespaceSalt:
		return s.writeReplace(s.configPath(namespace), []byte("<?php # |"+value+"|"))
	case NamespacePurgeLimiter:
		return s.writeReplace(s.configPath(namespace), []byte("<?php\n$GLOBALS['purge_limiter'] = "+value+";"))
	case NamespaceTrafficLimiter:
		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		entries, err := s.readTraffic()
		if err != nil {
			return err
		}
		entries[key] = value
		return s.writeTraffic(entries)
	}
	return ErrInvalidNamespace
}

func (s *FS) GetValue(ctx context.Context, namespace, key string) (string, error) {
	switch namespace {
	case NamespaceSalt:
		data, err := os.ReadFile(s.configPath(namespace))
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", errors.Wrap(err, "read salt")
		}
		items := strings.Split(string(data), "|")
		if len(items) != 3 {
			return "", nil
		}
		return items[1], nil
	case NamespacePurgeLimiter:
		data, err := os.ReadFile(s.configPath(namespace))
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", errors.Wrap(err, "read purge limiter")
		}
		m := purgeLimiterExpr.FindSubmatch(data)
		if m == nil {
			return "", nil
		}
		return string(m[1]), nil
	case NamespaceTrafficLimiter:
		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		entries, err := s.readTraffic()
		if err != nil {
			return "", err
		}
		return entries[key], nil
	}
	return "", ErrInvalidNamespace
}

func (s *FS) PurgeValues(ctx context.Context, namespace string, cutoff int64) error {
	switch namespace {
	case NamespaceSalt:
		return nil
	case NamespacePurgeLimiter:
		v, err := s.GetValue(ctx, namespace, "")
		if err != nil {
			return err
		}
		if n, ok := parseUnix(v); ok && n < cutoff {
			if err := os.Remove(s.configPath(namespace)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return errors.Wrap(err, "remove purge limiter")
			}
		}
		return nil
	case NamespaceTrafficLimiter:
		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		entries, err := s.readTraffic()
		if err != nil {
			return err
		}
		changed := false
		for k, v := range entries {
			if n, ok := parseUnix(v); ok && n < cutoff {
				delete(entries, k)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return s.writeTraffic(entries)
	}
	return ErrInvalidNamespace
}

// traffic_limiter.php keeps the var_export array layout so existing data
// directories remain readable.
func (s *FS) readTraffic() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(s.configPath(NamespaceTrafficLimiter))
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read traffic limiter")
	}
	for _, m := range trafficEntryExpr.FindAllStringSubmatch(string(data), -1) {
		entries[phpUnquote(m[1])] = phpUnquote(strings.TrimSpace(m[2]))
	}
	return entries, nil
}

func (s *FS) writeTraffic(entries map[string]string) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("<?php\n$GLOBALS['traffic_limiter'] = array (\n")
	for _, k := range keys {
		b.WriteString("  '" + phpQuote(k) + "' => '" + phpQuote(entries[k]) + "',\n")
	}
	b.WriteString(");")
	return s.writeReplace(s.configPath(NamespaceTrafficLimiter), []byte(b.String()))
}

func phpQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func phpUnquote(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\'`, `'`).Replace(s)
}

func (s *FS) Name() string { return "filesystem" }

func (s *FS) Ping(ctx context.Context) error {
	fi, err := os.Stat(s.dir)
	if err != nil {
		return errors.Wrap(err, "stat data dir")
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *FS) Close() error {
	return nil
}
