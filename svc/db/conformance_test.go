package db

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cipherbin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"fs", func(t *testing.T) Store {
			s, err := NewFS(t.TempDir())
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
			s, err := NewSQL(context.Background(), SQLConfig{Driver: DriverSQLite, DSN: dsn, MaxOpenConns: 1, MaxIdleConns: 1})
			require.NoError(t, err)
			return s
		}},
		{"bolt", func(t *testing.T) Store {
			s, err := NewBolt(filepath.Join(t.TempDir(), "cipherbin.db"))
			require.NoError(t, err)
			return s
		}},
		{"s3", func(t *testing.T) Store {
			return NewS3WithClient(newFakeS3(), S3Config{Bucket: "pastes", Prefix: "data"})
		}},
		{"s3-conditional", func(t *testing.T) Store {
			return NewS3WithClient(newFakeS3(), S3Config{Bucket: "pastes", ConditionalWrites: true})
		}},
		{"s3-paged", func(t *testing.T) Store {
			return NewS3WithClient(newPagedFakeS3(2), S3Config{Bucket: "pastes", Prefix: "data", ConditionalWrites: true})
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

const testAData = `[["EN39/wd5Nq8GGBkzOq9m0g==","QKN1DBXe5PI=",100000,256,128,"aes","gcm","zlib"],"plaintext",1,0]`

func testPaste(expire int64) *domain.Paste {
	return &domain.Paste{
		V:     2,
		AData: json.RawMessage(testAData),
		CT:    "Y2lwaGVydGV4dA==",
		Meta: domain.Meta{
			Created:    time.Now().Unix(),
			ExpireDate: expire,
			Salt:       "c2FsdA==",
		},
	}
}

func testComment(created int64) *domain.Comment {
	return &domain.Comment{
		V:     2,
		AData: json.RawMessage(`["EN39/wd5Nq8GGBkzOq9m0g==","QKN1DBXe5PI=",100000,256,128,"aes","gcm","zlib"]`),
		CT:    "Y29tbWVudA==",
		Meta:  domain.Meta{Created: created},
	}
}

func testID(n int) string {
	return fmt.Sprintf("%016x", 0x5b65a01b43987bc0+n)
}

func TestStoreCreateRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := testID(1)
		p := testPaste(time.Now().Add(time.Hour).Unix())

		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Create(ctx, id, p))
		require.ErrorIs(t, s.Create(ctx, id, p), ErrExists)

		ok, err = s.Exists(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Read(ctx, id)
		require.NoError(t, err)
		require.Equal(t, p.V, got.V)
		require.Equal(t, p.CT, got.CT)
		require.JSONEq(t, testAData, string(got.AData))
		require.Equal(t, p.Meta.ExpireDate, got.Meta.ExpireDate)
		require.Equal(t, p.Meta.Created, got.Meta.Created)
		require.Equal(t, p.Meta.Salt, got.Meta.Salt)
		require.True(t, got.OpenDiscussion())
	})
}

func TestStoreInvalidIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"", "../../etc/passwd", "5B65A01B43987BC2", "5b65a01b43987bc"} {
			require.ErrorIs(t, s.Create(ctx, id, testPaste(0)), ErrInvalidID, id)
			_, err := s.Read(ctx, id)
			require.ErrorIs(t, err, ErrNotFound, id)
			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)
			require.NoError(t, s.Delete(ctx, id))
		}
		require.ErrorIs(t, s.CreateComment(ctx, testID(1), "bad", testID(2), testComment(1)), ErrInvalidID)
	})
}

func TestStoreReadMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Read(context.Background(), testID(9))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreExpiredPaste(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := testID(2)
		require.NoError(t, s.Create(ctx, id, testPaste(time.Now().Add(-time.Minute).Unix())))

		_, err := s.Read(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)

		// still on disk until purged
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestStoreNeverExpires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := testID(3)
		require.NoError(t, s.Create(ctx, id, testPaste(0)))
		_, err := s.Read(ctx, id)
		require.NoError(t, err)
		removed, err := s.PurgeExpired(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, removed)
	})
}

func TestStoreDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := testID(4)
		require.NoError(t, s.Create(ctx, id, testPaste(0)))
		require.NoError(t, s.CreateComment(ctx, id, id, testID(5), testComment(100)))

		require.NoError(t, s.Delete(ctx, id))
		_, err := s.Read(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		require.False(t, ok)
		comments, err := s.ReadComments(ctx, id)
		require.NoError(t, err)
		require.Empty(t, comments)
		ok, err = s.ExistsComment(ctx, id, id, testID(5))
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Delete(ctx, id))

		// the id is free again
		require.NoError(t, s.Create(ctx, id, testPaste(0)))
	})
}

func TestStoreComments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		pasteID := testID(10)
		require.NoError(t, s.Create(ctx, pasteID, testPaste(0)))

		first, second, reply := testID(11), testID(12), testID(13)
		require.NoError(t, s.CreateComment(ctx, pasteID, pasteID, second, testComment(2000)))
		require.NoError(t, s.CreateComment(ctx, pasteID, second, reply, testComment(3000)))
		require.NoError(t, s.CreateComment(ctx, pasteID, pasteID, first, testComment(1000)))
		require.ErrorIs(t, s.CreateComment(ctx, pasteID, pasteID, first, testComment(1000)), ErrExists)

		ok, err := s.ExistsComment(ctx, pasteID, second, reply)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.ExistsComment(ctx, pasteID, pasteID, reply)
		require.NoError(t, err)
		require.False(t, ok)

		comments, err := s.ReadComments(ctx, pasteID)
		require.NoError(t, err)
		require.Len(t, comments, 3)
		require.Equal(t, first, comments[0].ID)
		require.Equal(t, pasteID, comments[0].ParentID)
		require.Equal(t, second, comments[1].ID)
		require.Equal(t, reply, comments[2].ID)
		require.Equal(t, second, comments[2].ParentID)
		require.Equal(t, int64(3000), comments[2].Created())
		require.Equal(t, "Y29tbWVudA==", comments[2].CT)

		none, err := s.ReadComments(ctx, testID(99))
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestStoreCommentsSameTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		pasteID := testID(40)
		require.NoError(t, s.Create(ctx, pasteID, testPaste(0)))

		early, a, b, c := testID(41), testID(42), testID(43), testID(44)
		require.NoError(t, s.CreateComment(ctx, pasteID, pasteID, c, testComment(5000)))
		require.NoError(t, s.CreateComment(ctx, pasteID, early, a, testComment(5000)))
		require.NoError(t, s.CreateComment(ctx, pasteID, pasteID, early, testComment(4000)))
		require.NoError(t, s.CreateComment(ctx, pasteID, pasteID, b, testComment(5000)))

		comments, err := s.ReadComments(ctx, pasteID)
		require.NoError(t, err)
		ids := make([]string, len(comments))
		for i, cm := range comments {
			ids[i] = cm.ID
		}
		require.Equal(t, []string{early, a, b, c}, ids)

		again, err := s.ReadComments(ctx, pasteID)
		require.NoError(t, err)
		require.Equal(t, comments, again)
	})
}

// raceCreate runs fn from several goroutines at once and counts outcomes.
func raceCreate(t *testing.T, n int, fn func() error) (ok, exists int) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		other []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := fn()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrExists):
				exists++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Empty(t, other)
	return ok, exists
}

func TestStoreConcurrentCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const racers = 16
		// without conditional writes S3 can only check then put, so a lost
		// race may overwrite; the stored record is still a single whole one
		checkThenPut := false
		if st, isS3 := s.(*S3); isS3 && !st.conditional {
			checkThenPut = true
		}
		expectOne := func(ok, exists int, round int) {
			if checkThenPut {
				require.GreaterOrEqual(t, ok, 1, "round %d", round)
				require.Equal(t, racers, ok+exists, "round %d", round)
				return
			}
			require.Equal(t, 1, ok, "round %d", round)
			require.Equal(t, racers-1, exists, "round %d", round)
		}
		for round := 0; round < 5; round++ {
			id := testID(100 + round)
			ok, exists := raceCreate(t, racers, func() error {
				return s.Create(ctx, id, testPaste(0))
			})
			expectOne(ok, exists, round)

			commentID := testID(200 + round)
			ok, exists = raceCreate(t, racers, func() error {
				return s.CreateComment(ctx, id, id, commentID, testComment(1000))
			})
			expectOne(ok, exists, round)

			comments, err := s.ReadComments(ctx, id)
			require.NoError(t, err)
			require.Len(t, comments, 1)
		}
	})
}

func TestStoreGetAllPasteIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := []string{testID(20), testID(21), testID(22)}
		for _, id := range want {
			require.NoError(t, s.Create(ctx, id, testPaste(0)))
		}
		require.NoError(t, s.CreateComment(ctx, want[0], want[0], testID(23), testComment(1)))
		require.NoError(t, s.SetValue(ctx, "1", NamespacePurgeLimiter, ""))

		ids, err := s.GetAllPasteIDs(ctx)
		require.NoError(t, err)
		sort.Strings(ids)
		require.Equal(t, want, ids)
	})
}

func TestStorePurgeExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		past := time.Now().Add(-time.Hour).Unix()
		future := time.Now().Add(time.Hour).Unix()
		expired := []string{testID(30), testID(31), testID(32)}
		live := []string{testID(33), testID(34)}
		for _, id := range expired {
			require.NoError(t, s.Create(ctx, id, testPaste(past)))
		}
		require.NoError(t, s.CreateComment(ctx, expired[0], expired[0], testID(35), testComment(1)))
		require.NoError(t, s.Create(ctx, live[0], testPaste(future)))
		require.NoError(t, s.Create(ctx, live[1], testPaste(0)))

		removed, err := s.PurgeExpired(ctx, 2)
		require.NoError(t, err)
		require.Len(t, removed, 2)

		removed2, err := s.PurgeExpired(ctx, 2)
		require.NoError(t, err)
		require.Len(t, removed2, 1)

		all := append(removed, removed2...)
		sort.Strings(all)
		require.Equal(t, expired, all)

		for _, id := range expired {
			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			require.False(t, ok, id)
		}
		for _, id := range live {
			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			require.True(t, ok, id)
		}
		comments, err := s.ReadComments(ctx, expired[0])
		require.NoError(t, err)
		require.Empty(t, comments)

		removed, err = s.PurgeExpired(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, removed)
	})
}

func TestStoreConfigValues(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		v, err := s.GetValue(ctx, NamespaceSalt, "")
		require.NoError(t, err)
		require.Empty(t, v)

		require.NoError(t, s.SetValue(ctx, "deadbeef", NamespaceSalt, ""))
		require.NoError(t, s.SetValue(ctx, "1000", NamespacePurgeLimiter, ""))
		require.NoError(t, s.SetValue(ctx, "100", NamespaceTrafficLimiter, "old-client"))
		require.NoError(t, s.SetValue(ctx, "500", NamespaceTrafficLimiter, "new-client"))
		require.NoError(t, s.SetValue(ctx, "600", NamespaceTrafficLimiter, "new-client"))

		v, err = s.GetValue(ctx, NamespaceSalt, "")
		require.NoError(t, err)
		require.Equal(t, "deadbeef", v)
		v, err = s.GetValue(ctx, NamespacePurgeLimiter, "")
		require.NoError(t, err)
		require.Equal(t, "1000", v)
		v, err = s.GetValue(ctx, NamespaceTrafficLimiter, "new-client")
		require.NoError(t, err)
		require.Equal(t, "600", v)

		require.NoError(t, s.PurgeValues(ctx, NamespaceTrafficLimiter, 200))
		v, err = s.GetValue(ctx, NamespaceTrafficLimiter, "old-client")
		require.NoError(t, err)
		require.Empty(t, v)
		v, err = s.GetValue(ctx, NamespaceTrafficLimiter, "new-client")
		require.NoError(t, err)
		require.Equal(t, "600", v)

		require.NoError(t, s.PurgeValues(ctx, NamespaceSalt, 1<<40))
		v, err = s.GetValue(ctx, NamespaceSalt, "")
		require.NoError(t, err)
		require.Equal(t, "deadbeef", v)

		require.NoError(t, s.PurgeValues(ctx, NamespacePurgeLimiter, 2000))
		v, err = s.GetValue(ctx, NamespacePurgeLimiter, "")
		require.NoError(t, err)
		require.Empty(t, v)

		require.ErrorIs(t, s.SetValue(ctx, "x", "bogus", ""), ErrInvalidNamespace)
		_, err = s.GetValue(ctx, "bogus", "")
		require.ErrorIs(t, err, ErrInvalidNamespace)
	})
}

func TestStorePing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Ping(context.Background()))
	})
}
