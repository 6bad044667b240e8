package svc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"cipherbin/cfg"
	"cipherbin/metrics"
	"cipherbin/pkg/domain"
	"cipherbin/pkg/format"
	"cipherbin/svc/db"
	"cipherbin/svc/lim"
	"cipherbin/svc/util"

	"github.com/pkg/errors"
)

const maxIDAttempts = 5

type Paste struct {
	store     db.Store
	salt      *ServerSalt
	traffic   *lim.TrafficLimiter
	purger    *Purger
	validator *format.Validator
	cfg       *cfg.Cfg
	now       func() time.Time
	shutdown  atomic.Bool
	opWg      sync.WaitGroup
}

// Created is returned for new pastes and comments. DeleteToken is empty
// for comments.
type Created struct {
	ID          string `json:"id"`
	DeleteToken string `json:"deletetoken,omitempty"`
}

// PasteView is what readers get back. The per-paste salt never leaves the
// server.
type PasteView struct {
	ID             string           `json:"id"`
	V              int              `json:"v,omitempty"`
	AData          json.RawMessage  `json:"adata,omitempty"`
	CT             string           `json:"ct,omitempty"`
	Data           string           `json:"data,omitempty"`
	Attachment     string           `json:"attachment,omitempty"`
	AttachmentName string           `json:"attachmentname,omitempty"`
	Meta           ViewMeta         `json:"meta"`
	Comments       []domain.Comment `json:"comments"`
	CommentCount   int              `json:"comment_count"`
	CommentOffset  int              `json:"comment_offset"`
}

type ViewMeta struct {
	Created          int64  `json:"created,omitempty"`
	TimeToLive       int64  `json:"time_to_live,omitempty"`
	PostDate         int64  `json:"postdate,omitempty"`
	BurnAfterReading bool   `json:"burnafterreading,omitempty"`
	OpenDiscussion   bool   `json:"opendiscussion,omitempty"`
	Formatter        string `json:"formatter,omitempty"`
}

func NewPaste(store db.Store, salt *ServerSalt, traffic *lim.TrafficLimiter, purger *Purger, c *cfg.Cfg) *Paste {
	if store == nil || salt == nil || traffic == nil || purger == nil || c == nil {
		panic("paste service: nil dependency (store, salt, traffic, purger, or cfg)")
	}
	policy := format.DefaultPolicy()
	policy.IterationsFloor = c.IterationsFloor
	policy.EntropyRatio = c.EntropyRatio
	return &Paste{
		store:     store,
		salt:      salt,
		traffic:   traffic,
		purger:    purger,
		validator: format.New(policy),
		cfg:       c,
		now:       time.Now,
	}
}

// Shutdown rejects new operations and waits for running ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrBackendUnavailable
	}
	p.opWg.Add(1)
	return nil
}

// backendErr logs the cause and hides it from the client.
func (p *Paste) backendErr(ctx context.Context, op string, err error) error {
	return p.storeErr(ctx, p.store.Name(), op, err)
}

func (p *Paste) storeErr(ctx context.Context, backend, op string, err error) error {
	metrics.StoreErrors.WithLabelValues(backend, op).Inc()
	util.Error().
		Err(err).
		Str("backend", backend).
		Str("op", op).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("storage backend failure")
	return domain.ErrBackendUnavailable
}

// limiterErr passes limiter rejections through and treats anything else as
// a backend failure.
func (p *Paste) limiterErr(ctx context.Context, err error) error {
	var de *domain.Err
	if errors.As(err, &de) {
		return err
	}
	return p.storeErr(ctx, p.traffic.StoreName(), "traffic_limiter", err)
}

func (p *Paste) Create(ctx context.Context, clientAddr string, raw []byte) (*Created, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	if err := p.traffic.CanPass(ctx, clientAddr); err != nil {
		return nil, p.limiterErr(ctx, err)
	}
	if _, err := p.purger.Run(ctx); err != nil {
		util.Warn().Err(err).Str("request_id", util.GetRequestID(ctx)).Msg("purge on create failed")
	}
	if int64(len(raw)) > p.cfg.SizeLimit {
		return nil, domain.ErrPasteTooLarge
	}
	sub, err := p.validator.Paste(raw)
	if err != nil {
		return nil, err
	}

	expire, ok := p.cfg.Expire(sub.Expire)
	if !ok {
		expire, _ = p.cfg.Expire(p.cfg.ExpireDefault)
	}
	pasteSalt, err := util.RandomHex(saltBytes)
	if err != nil {
		return nil, errors.Wrap(err, "paste salt")
	}
	now := p.now()
	paste := &domain.Paste{
		V:     sub.V,
		AData: sub.AData,
		CT:    sub.CT,
		Meta:  domain.Meta{Created: now.Unix(), Salt: pasteSalt},
	}
	if expire > 0 {
		paste.Meta.ExpireDate = now.Add(expire).Unix()
	}
	if paste.OpenDiscussion() && paste.BurnAfterReading() {
		return nil, &domain.ValidationError{Field: "adata", Reason: "burn after reading pastes cannot have a discussion"}
	}
	if paste.OpenDiscussion() && !p.cfg.Discussion {
		return nil, domain.ErrDiscussionClosed
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := util.NewID()
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		err = p.store.Create(ctx, id, paste)
		if errors.Is(err, db.ErrExists) {
			metrics.IDConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, p.backendErr(ctx, "create", err)
		}
		metrics.PasteCreated.Inc()
		util.Info().
			Str("id", id).
			Str("request_id", util.GetRequestID(ctx)).
			Int64("expire_date", paste.Meta.ExpireDate).
			Msg("paste created")
		return &Created{ID: id, DeleteToken: util.DeletionToken(id, pasteSalt)}, nil
	}
	return nil, domain.ErrConflict
}

// load returns the paste or ErrPasteNotFound. An expired paste found on
// the way is deleted.
func (p *Paste) load(ctx context.Context, id string) (*domain.Paste, error) {
	if !db.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	paste, err := p.store.Read(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		p.dropExpired(ctx, id)
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, p.backendErr(ctx, "read", err)
	}
	return domain.UpgradeLegacy(paste), nil
}

func (p *Paste) dropExpired(ctx context.Context, id string) {
	exists, err := p.store.Exists(ctx, id)
	if err != nil || !exists {
		return
	}
	if err := p.store.Delete(ctx, id); err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to delete expired paste")
		return
	}
	util.Debug().Str("id", id).Msg("deleted expired paste on access")
}

func (p *Paste) Read(ctx context.Context, id string) (*PasteView, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	paste, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &PasteView{
		ID:             id,
		V:              paste.V,
		AData:          paste.AData,
		CT:             paste.CT,
		Data:           paste.Data,
		Attachment:     paste.Attachment,
		AttachmentName: paste.AttachmentName,
		Meta: ViewMeta{
			Created:          paste.Meta.Created,
			PostDate:         paste.Meta.PostDate,
			BurnAfterReading: paste.Meta.BurnAfterReading,
			OpenDiscussion:   paste.Meta.OpenDiscussion,
			Formatter:        paste.Meta.Formatter,
		},
		Comments: []domain.Comment{},
	}
	if paste.Meta.ExpireDate > 0 {
		view.Meta.TimeToLive = paste.Meta.ExpireDate - p.now().Unix()
	}

	if paste.BurnAfterReading() {
		if err := p.store.Delete(ctx, id); err != nil {
			return nil, p.backendErr(ctx, "burn", err)
		}
		metrics.PasteBurned.Inc()
		util.Info().Str("id", id).Str("request_id", util.GetRequestID(ctx)).Msg("burn after reading paste deleted")
	} else if p.cfg.Discussion && paste.OpenDiscussion() {
		comments, err := p.store.ReadComments(ctx, id)
		if err != nil {
			return nil, p.backendErr(ctx, "read_comments", err)
		}
		if len(comments) > 0 {
			view.Comments = comments
		}
		view.CommentCount = len(comments)
	}
	metrics.PasteRead.Inc()
	return view, nil
}

// Delete removes a paste when token is the HMAC of its id, keyed by the
// per-paste salt or, for pastes written without one, the server salt.
func (p *Paste) Delete(ctx context.Context, id, token string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()

	paste, err := p.load(ctx, id)
	if err != nil {
		return err
	}
	key := paste.Meta.Salt
	if key == "" {
		if key, err = p.salt.Get(ctx); err != nil {
			return p.backendErr(ctx, "salt", err)
		}
	}
	if !util.VerifyDeletionToken(token, id, key) {
		util.Warn().Str("id", id).Str("token", util.RedactToken(token)).Msg("wrong deletion token")
		return domain.ErrInvalidToken
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return p.backendErr(ctx, "delete", err)
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Str("request_id", util.GetRequestID(ctx)).Msg("paste deleted via token")
	return nil
}

// CreateComment stores a comment on pasteID. The parent is either the
// paste itself or an existing comment of its discussion.
func (p *Paste) CreateComment(ctx context.Context, clientAddr, pasteID string, raw []byte) (*Created, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	if !db.ValidID(pasteID) {
		return nil, domain.ErrInvalidID
	}
	if err := p.traffic.CanPass(ctx, clientAddr); err != nil {
		return nil, p.limiterErr(ctx, err)
	}
	if int64(len(raw)) > p.cfg.SizeLimit {
		return nil, domain.ErrPasteTooLarge
	}
	sub, err := p.validator.Comment(raw)
	if err != nil {
		return nil, err
	}
	if sub.PasteID != pasteID {
		return nil, &domain.ValidationError{Field: "pasteid", Reason: "does not match the addressed paste"}
	}
	if !db.ValidID(sub.ParentID) {
		return nil, domain.ErrInvalidParent
	}

	paste, err := p.load(ctx, pasteID)
	if err != nil {
		return nil, err
	}
	if !p.cfg.Discussion || !paste.OpenDiscussion() || paste.BurnAfterReading() {
		return nil, domain.ErrDiscussionClosed
	}
	if sub.ParentID != pasteID {
		ok, err := p.hasComment(ctx, pasteID, sub.ParentID)
		if err != nil {
			return nil, p.backendErr(ctx, "read_comments", err)
		}
		if !ok {
			return nil, domain.ErrInvalidParent
		}
	}

	comment := &domain.Comment{
		V:     sub.V,
		AData: sub.AData,
		CT:    sub.CT,
		Meta:  domain.Meta{Created: p.now().Unix()},
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := util.NewID()
		if err != nil {
			return nil, errors.Wrap(err, "gen comment id")
		}
		err = p.store.CreateComment(ctx, pasteID, sub.ParentID, id, comment)
		if errors.Is(err, db.ErrExists) {
			metrics.IDConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, p.backendErr(ctx, "create_comment", err)
		}
		metrics.CommentCreated.Inc()
		util.Info().
			Str("id", id).
			Str("paste_id", pasteID).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("comment created")
		return &Created{ID: id}, nil
	}
	return nil, domain.ErrConflict
}

func (p *Paste) hasComment(ctx context.Context, pasteID, commentID string) (bool, error) {
	comments, err := p.store.ReadComments(ctx, pasteID)
	if err != nil {
		return false, err
	}
	for _, c := range comments {
		if c.ID == commentID {
			return true, nil
		}
	}
	return false, nil
}

// ReadComments lists the discussion of a readable paste, oldest first.
// Pastes without an open discussion have none.
func (p *Paste) ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	paste, err := p.load(ctx, pasteID)
	if err != nil {
		return nil, err
	}
	if !p.cfg.Discussion || !paste.OpenDiscussion() || paste.BurnAfterReading() {
		return []domain.Comment{}, nil
	}
	comments, err := p.store.ReadComments(ctx, pasteID)
	if err != nil {
		return nil, p.backendErr(ctx, "read_comments", err)
	}
	if comments == nil {
		comments = []domain.Comment{}
	}
	return comments, nil
}

// ExpireOptions lists the configured presets and the default.
func (p *Paste) ExpireOptions() ([]cfg.ExpirePreset, string) {
	return p.cfg.ExpireOptions, p.cfg.ExpireDefault
}

func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
