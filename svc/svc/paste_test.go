package svc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cipherbin/cfg"
	"cipherbin/metrics"
	"cipherbin/pkg/domain"
	"cipherbin/svc/db"
	"cipherbin/svc/lim"
	"cipherbin/svc/util"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const legacyID = "5b65a01b43987bc2"

type fixture struct {
	svc   *Paste
	store db.Store
	salt  *ServerSalt
	cfg   *cfg.Cfg
}

func newFixture(t *testing.T, mutate func(c *cfg.Cfg)) *fixture {
	t.Helper()
	store, err := db.NewFS(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := cfg.Default()
	c.TrafficLimit = 0
	c.PurgeLimit = 0
	if mutate != nil {
		mutate(c)
	}
	salt := NewServerSalt(store)
	traffic, err := lim.NewTraffic(store, c.TrafficLimit, c.TrafficExempted, c.TrafficCreators, salt.Get)
	require.NoError(t, err)
	purger := NewPurger(store, lim.NewPurge(store, c.PurgeLimit), c.PurgeBatchSize)
	return &fixture{svc: NewPaste(store, salt, traffic, purger, c), store: store, salt: salt, cfg: c}
}

func randomCT(t *testing.T) string {
	t.Helper()
	b := make([]byte, 128)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func cipherTuple() []any {
	return []any{"EN39/wd5Nq8GGBkzOq9m0g==", "QKN1DBXe5PI=", 100000, 256, 128, "aes", "gcm", "zlib"}
}

func pasteBody(t *testing.T, expire string, discussion, burn int) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"v":     2,
		"adata": []any{cipherTuple(), "plaintext", discussion, burn},
		"ct":    randomCT(t),
		"meta":  map[string]any{"expire": expire},
	})
	require.NoError(t, err)
	return b
}

func commentBody(t *testing.T, pasteID, parentID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"v":        2,
		"adata":    cipherTuple(),
		"ct":       randomCT(t),
		"pasteid":  pasteID,
		"parentid": parentID,
	})
	require.NoError(t, err)
	return b
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	now := time.Unix(1700000000, 0)
	f.svc.now = func() time.Time { return now }

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 0))
	require.NoError(t, err)
	require.True(t, db.ValidID(created.ID))

	stored, err := f.store.Read(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, now.Unix(), stored.Meta.Created)
	require.Equal(t, now.Add(5*time.Minute).Unix(), stored.Meta.ExpireDate)
	require.NotEmpty(t, stored.Meta.Salt)
	require.Equal(t, util.DeletionToken(created.ID, stored.Meta.Salt), created.DeleteToken)

	view, err := f.svc.Read(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, view.ID)
	require.Equal(t, stored.CT, view.CT)
	require.Equal(t, int64(300), view.Meta.TimeToLive)
	require.Empty(t, view.Comments)

	out, err := json.Marshal(view)
	require.NoError(t, err)
	require.NotContains(t, string(out), stored.Meta.Salt)
}

func TestCreateUnknownExpireUsesDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	now := time.Unix(1700000000, 0)
	f.svc.now = func() time.Time { return now }

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "foo", 0, 0))
	require.NoError(t, err)
	stored, err := f.store.Read(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, now.Add(7*24*time.Hour).Unix(), stored.Meta.ExpireDate)
}

func TestCreateNeverExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "never", 0, 0))
	require.NoError(t, err)
	stored, err := f.store.Read(ctx, created.ID)
	require.NoError(t, err)
	require.Zero(t, stored.Meta.ExpireDate)
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, func(c *cfg.Cfg) { c.SizeLimit = 10 })
	_, err := f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 0))
	require.True(t, errors.Is(err, domain.ErrPasteTooLarge), "got %v", err)

	f = newFixture(t, nil)
	_, err = f.svc.Create(ctx, "::1", []byte(`{"v":2}`))
	require.True(t, errors.Is(err, domain.ErrInvalidFormat), "got %v", err)

	_, err = f.svc.Create(ctx, "::1", pasteBody(t, "5min", 1, 1))
	require.True(t, errors.Is(err, domain.ErrInvalidFormat), "got %v", err)

	f = newFixture(t, func(c *cfg.Cfg) { c.Discussion = false })
	_, err = f.svc.Create(ctx, "::1", pasteBody(t, "5min", 1, 0))
	require.True(t, errors.Is(err, domain.ErrDiscussionClosed), "got %v", err)

	ids, err := f.store.GetAllPasteIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCreateTooSoon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *cfg.Cfg) { c.TrafficLimit = 10 * time.Second })

	_, err := f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 0))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 0))
	require.True(t, errors.Is(err, domain.ErrRateLimited), "got %v", err)
	require.Equal(t, "Please wait 10 seconds between each post.", err.Error())
}

func TestCreateCreatorsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *cfg.Cfg) { c.TrafficCreators = []string{"10.0.0.0/8"} })

	_, err := f.svc.Create(ctx, "192.168.1.1", pasteBody(t, "5min", 0, 0))
	require.True(t, errors.Is(err, domain.ErrNotCreator), "got %v", err)
	_, err = f.svc.Create(ctx, "10.1.2.3", pasteBody(t, "5min", 0, 0))
	require.NoError(t, err)
}

func TestReadErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.Read(ctx, "foo")
	require.True(t, errors.Is(err, domain.ErrInvalidID), "got %v", err)
	_, err = f.svc.Read(ctx, legacyID)
	require.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
}

func TestReadExpiredDeletesPaste(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.store.Create(ctx, legacyID, &domain.Paste{
		V:     2,
		AData: json.RawMessage(`[[],"plaintext",0,0]`),
		CT:    "Zm9v",
		Meta:  domain.Meta{Created: 1000, ExpireDate: 1344803344},
	}))

	_, err := f.svc.Read(ctx, legacyID)
	require.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
	exists, err := f.store.Exists(ctx, legacyID)
	require.NoError(t, err)
	require.False(t, exists)
}

// brokenReadStore fails every paste read.
type brokenReadStore struct {
	db.Store
}

func (brokenReadStore) Read(context.Context, string) (*domain.Paste, error) {
	return nil, errors.New("disk on fire")
}

func TestBackendFailureCountedPerBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	traffic, err := lim.NewTraffic(f.store, 0, nil, nil, f.salt.Get)
	require.NoError(t, err)
	broken := brokenReadStore{Store: f.store}
	s := NewPaste(broken, f.salt, traffic, NewPurger(broken, lim.NewPurge(f.store, 0), 10), f.cfg)

	counter := metrics.StoreErrors.WithLabelValues("filesystem", "read")
	before := testutil.ToFloat64(counter)
	_, err = s.Read(ctx, legacyID)
	require.True(t, errors.Is(err, domain.ErrBackendUnavailable), "got %v", err)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestBurnAfterReading(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 1))
	require.NoError(t, err)

	view, err := f.svc.Read(ctx, created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.CT)

	_, err = f.svc.Read(ctx, created.ID)
	require.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
}

func TestLegacyBurnFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.store.Create(ctx, legacyID, &domain.Paste{
		Data: `{"iv":"x","ct":"y"}`,
		Meta: domain.Meta{PostDate: 1000, BurnAfterReading: true, Attachment: "data:,x", AttachmentName: "x.txt"},
	}))

	view, err := f.svc.Read(ctx, legacyID)
	require.NoError(t, err)
	require.True(t, view.Meta.BurnAfterReading)
	require.Equal(t, "data:,x", view.Attachment)
	require.Equal(t, "x.txt", view.AttachmentName)

	exists, err := f.store.Exists(ctx, legacyID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "5min", 0, 0))
	require.NoError(t, err)

	err = f.svc.Delete(ctx, created.ID, "bar")
	require.True(t, errors.Is(err, domain.ErrInvalidToken), "got %v", err)
	exists, err := f.store.Exists(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, f.svc.Delete(ctx, created.ID, created.DeleteToken))
	exists, err = f.store.Exists(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, exists)

	err = f.svc.Delete(ctx, created.ID, created.DeleteToken)
	require.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
	err = f.svc.Delete(ctx, "foo", "bar")
	require.True(t, errors.Is(err, domain.ErrInvalidID), "got %v", err)
}

func TestDeleteMissingPerPasteSalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.store.Create(ctx, legacyID, &domain.Paste{
		V:     2,
		AData: json.RawMessage(`[[],"plaintext",0,0]`),
		CT:    "Zm9v",
		Meta:  domain.Meta{Created: time.Now().Unix()},
	}))

	serverSalt, err := f.salt.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, legacyID, util.DeletionToken(legacyID, serverSalt)))
	exists, err := f.store.Exists(ctx, legacyID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestComments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	clock := time.Unix(1700000000, 0)
	f.svc.now = func() time.Time { return clock }

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "1day", 1, 0))
	require.NoError(t, err)

	first, err := f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, created.ID, created.ID))
	require.NoError(t, err)
	exists, err := f.store.ExistsComment(ctx, created.ID, created.ID, first.ID)
	require.NoError(t, err)
	require.True(t, exists)

	clock = clock.Add(time.Second)
	reply, err := f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, created.ID, first.ID))
	require.NoError(t, err)

	_, err = f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, created.ID, "0000000000000000"))
	require.True(t, errors.Is(err, domain.ErrInvalidParent), "got %v", err)
	_, err = f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, created.ID, "foo"))
	require.True(t, errors.Is(err, domain.ErrInvalidParent), "got %v", err)
	_, err = f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, legacyID, created.ID))
	require.True(t, errors.Is(err, domain.ErrInvalidFormat), "got %v", err)

	comments, err := f.svc.ReadComments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, first.ID, comments[0].ID)
	require.Equal(t, created.ID, comments[0].ParentID)
	require.Equal(t, reply.ID, comments[1].ID)
	require.Equal(t, first.ID, comments[1].ParentID)

	view, err := f.svc.Read(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 2, view.CommentCount)
	require.Len(t, view.Comments, 2)
}

func TestCommentDiscussionClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	created, err := f.svc.Create(ctx, "::1", pasteBody(t, "1day", 0, 0))
	require.NoError(t, err)
	_, err = f.svc.CreateComment(ctx, "::1", created.ID, commentBody(t, created.ID, created.ID))
	require.True(t, errors.Is(err, domain.ErrDiscussionClosed), "got %v", err)

	_, err = f.svc.CreateComment(ctx, "::1", legacyID, commentBody(t, legacyID, legacyID))
	require.True(t, errors.Is(err, domain.ErrPasteNotFound), "got %v", err)
}

func TestServerSalt(t *testing.T) {
	ctx := context.Background()
	store, err := db.NewFS(t.TempDir())
	require.NoError(t, err)

	s := NewServerSalt(store)
	first, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	again, err := NewServerSalt(store).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, first, again)

	stored, err := store.GetValue(ctx, db.NamespaceSalt, "")
	require.NoError(t, err)
	require.Equal(t, first, stored)
}

// rivalSaltStore lets another instance's salt land right after ours.
type rivalSaltStore struct {
	db.ConfigStore
	rival string
}

func (r *rivalSaltStore) SetValue(ctx context.Context, value, namespace, key string) error {
	if err := r.ConfigStore.SetValue(ctx, value, namespace, key); err != nil {
		return err
	}
	return r.ConfigStore.SetValue(ctx, r.rival, namespace, key)
}

func TestServerSaltConcurrentFirstWrite(t *testing.T) {
	ctx := context.Background()
	store, err := db.NewFS(t.TempDir())
	require.NoError(t, err)

	s := NewServerSalt(&rivalSaltStore{ConfigStore: store, rival: "f00dfeed"})
	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "f00dfeed", got)

	cached, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "f00dfeed", cached)

	other, err := NewServerSalt(store).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, got, other)
}

func TestMigrateSalt(t *testing.T) {
	ctx := context.Background()
	from, err := db.NewFS(t.TempDir())
	require.NoError(t, err)
	to, err := db.NewBolt(filepath.Join(t.TempDir(), "cipherbin.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { to.Close() })

	moved, err := MigrateSalt(ctx, from, to)
	require.NoError(t, err)
	require.False(t, moved, "nothing to migrate")

	want, err := NewServerSalt(from).Get(ctx)
	require.NoError(t, err)
	moved, err = MigrateSalt(ctx, from, to)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := NewServerSalt(to).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	moved, err = MigrateSalt(ctx, from, to)
	require.NoError(t, err)
	require.False(t, moved, "existing salt overwritten")
}

func TestPurger(t *testing.T) {
	ctx := context.Background()
	store, err := db.NewFS(t.TempDir())
	require.NoError(t, err)

	expired := []string{"0000000000000001", "0000000000000002"}
	for _, id := range expired {
		require.NoError(t, store.Create(ctx, id, &domain.Paste{V: 2, CT: "Zm9v", Meta: domain.Meta{Created: 1, ExpireDate: 1000}}))
	}
	require.NoError(t, store.Create(ctx, "0000000000000003", &domain.Paste{V: 2, CT: "Zm9v", Meta: domain.Meta{Created: 1}}))

	p := NewPurger(store, lim.NewPurge(store, time.Hour), 10)
	n, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, store.Create(ctx, "0000000000000004", &domain.Paste{V: 2, CT: "Zm9v", Meta: domain.Meta{Created: 1, ExpireDate: 1000}}))
	n, err = p.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "purge limiter did not gate the second sweep")

	ids, err := store.GetAllPasteIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0000000000000003", "0000000000000004"}, ids)
}

func TestPurgerStartTwice(t *testing.T) {
	store, err := db.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPurger(store, lim.NewPurge(store, 0), 10)
	require.NoError(t, p.Start(ctx, time.Hour))
	require.Error(t, p.Start(ctx, time.Hour))
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Shutdown()
	_, err := f.svc.Read(context.Background(), legacyID)
	require.True(t, errors.Is(err, domain.ErrBackendUnavailable), "got %v", err)
}
