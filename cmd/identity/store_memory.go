package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
//
// Transactions are serialized by a single mutex held for the duration of
// WithTx; writes apply immediately and are undone on rollback.
type MemoryStore struct {
	mu sync.Mutex

	users    map[string]User
	emailIdx map[string]string
	sessions map[string]Session
	assets   map[string]Asset

	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		emailIdx: make(map[string]string),
		sessions: make(map[string]Session),
		assets:   make(map[string]Asset),
	}
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "identity.MemoryStore.WithTx", false, fn)
}

// ReadTx implements Store. It shares the WithTx mutex.
func (s *MemoryStore) ReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "identity.MemoryStore.ReadTx", true, fn)
}

func (s *MemoryStore) runTx(ctx context.Context, op string, readOnly bool, fn func(ctx context.Context, tx Tx) error) (err error) {
	if s == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%s: store closed", op)
	}

	tx := &memTx{s: s, readOnly: readOnly}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
			return
		}
		// Honor cancellation that happened while fn ran.
		if cerr := ctx.Err(); cerr != nil {
			tx.rollback()
			err = cerr
		}
	}()

	err = fn(ctx, tx)
	return err
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("identity: memory store closed")
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	s        *MemoryStore
	undo     []func()
	readOnly bool
}

func (t *memTx) writable(op string) error {
	if t.readOnly {
		return OpError{Op: op, Kind: ErrReadOnly}
	}
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) InsertUser(ctx context.Context, u User) error {
	const op = "identity.InsertUser"
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.writable(op); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" || u.EmailNorm == "" {
		return invalid(op, "missing id or email")
	}
	if _, ok := t.s.users[u.ID]; ok {
		return ConflictError{Op: op, Field: "id"}
	}
	if _, ok := t.s.emailIdx[u.EmailNorm]; ok {
		return ConflictError{Op: op, Field: "email"}
	}
	if u.AvatarHash != nil {
		if _, ok := t.s.assets[*u.AvatarHash]; !ok {
			return NotFoundError{Op: op, Resource: "asset"}
		}
	}

	t.s.users[u.ID] = cloneUser(u)
	t.s.emailIdx[u.EmailNorm] = u.ID
	t.undo = append(t.undo, func() {
		delete(t.s.users, u.ID)
		delete(t.s.emailIdx, u.EmailNorm)
	})
	return nil
}

func (t *memTx) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, ok := t.s.users[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
	}
	return cloneUser(u), nil
}

func (t *memTx) GetUserByEmail(ctx context.Context, emailNorm string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	id, ok := t.s.emailIdx[emailNorm]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUserByEmail", Resource: "user"}
	}
	return cloneUser(t.s.users[id]), nil
}

func (t *memTx) UpdateUser(ctx context.Context, u User) error {
	const op = "identity.UpdateUser"
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.writable(op); err != nil {
		return err
	}
	prev, ok := t.s.users[u.ID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if u.EmailNorm == "" {
		return invalid(op, "missing email")
	}
	if owner, taken := t.s.emailIdx[u.EmailNorm]; taken && owner != u.ID {
		return ConflictError{Op: op, Field: "email"}
	}
	if u.AvatarHash != nil {
		if _, ok := t.s.assets[*u.AvatarHash]; !ok {
			return NotFoundError{Op: op, Resource: "asset"}
		}
	}

	next := cloneUser(prev)
	next.Email = u.Email
	next.EmailNorm = u.EmailNorm
	next.PasswordHash = u.PasswordHash
	next.DisplayName = cloneStr(u.DisplayName)
	next.AvatarHash = cloneStr(u.AvatarHash)
	next.UpdatedAt = u.UpdatedAt

	delete(t.s.emailIdx, prev.EmailNorm)
	t.s.emailIdx[next.EmailNorm] = next.ID
	t.s.users[next.ID] = next
	t.undo = append(t.undo, func() {
		delete(t.s.emailIdx, next.EmailNorm)
		t.s.emailIdx[prev.EmailNorm] = prev.ID
		t.s.users[prev.ID] = prev
	})
	return nil
}

func (t *memTx) InsertSession(ctx context.Context, sess Session) error {
	const op = "identity.InsertSession"
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.writable(op); err != nil {
		return err
	}
	if sess.TokenHash == "" || sess.UserID == "" {
		return invalid(op, "missing token hash or user id")
	}
	if _, ok := t.s.sessions[sess.TokenHash]; ok {
		return ConflictError{Op: op, Field: "token"}
	}
	if _, ok := t.s.users[sess.UserID]; !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}

	t.s.sessions[sess.TokenHash] = sess
	t.undo = append(t.undo, func() { delete(t.s.sessions, sess.TokenHash) })
	return nil
}

func (t *memTx) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	sess, ok := t.s.sessions[tokenHash]
	if !ok {
		return Session{}, NotFoundError{Op: "identity.GetSession", Resource: "session"}
	}
	return sess, nil
}

// GetSessionForUpdate needs no extra locking: the store mutex is held for the
// whole transaction.
func (t *memTx) GetSessionForUpdate(ctx context.Context, tokenHash string) (Session, error) {
	return t.GetSession(ctx, tokenHash)
}

func (t *memTx) ExtendSession(ctx context.Context, tokenHash string, expiresAt time.Time) (Session, error) {
	const op = "identity.ExtendSession"
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if err := t.writable(op); err != nil {
		return Session{}, err
	}
	prev, ok := t.s.sessions[tokenHash]
	if !ok {
		return Session{}, NotFoundError{Op: op, Resource: "session"}
	}
	if !expiresAt.After(prev.ExpiresAt) {
		return prev, nil
	}

	next := prev
	next.ExpiresAt = expiresAt
	t.s.sessions[tokenHash] = next
	t.undo = append(t.undo, func() { t.s.sessions[tokenHash] = prev })
	return next, nil
}

func (t *memTx) InsertAsset(ctx context.Context, a Asset) (bool, error) {
	const op = "identity.InsertAsset"
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := t.writable(op); err != nil {
		return false, err
	}
	if a.Hash == "" {
		return false, invalid(op, "missing hash")
	}
	if _, ok := t.s.assets[a.Hash]; ok {
		return false, nil
	}

	t.s.assets[a.Hash] = cloneAsset(a)
	t.undo = append(t.undo, func() { delete(t.s.assets, a.Hash) })
	return true, nil
}

func (t *memTx) GetAsset(ctx context.Context, hash string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	a, ok := t.s.assets[hash]
	if !ok {
		return Asset{}, NotFoundError{Op: "identity.GetAsset", Resource: "asset"}
	}
	return cloneAsset(a), nil
}

func (t *memTx) GetAssetMetadata(ctx context.Context, hash string) (AssetMetadata, error) {
	if err := ctx.Err(); err != nil {
		return AssetMetadata{}, err
	}
	a, ok := t.s.assets[hash]
	if !ok {
		return AssetMetadata{}, NotFoundError{Op: "identity.GetAssetMetadata", Resource: "asset"}
	}
	md := a.Metadata()
	md.Alt = cloneStr(md.Alt)
	return md, nil
}

func (t *memTx) AssetExists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := t.s.assets[hash]
	return ok, nil
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneUser(u User) User {
	u.DisplayName = cloneStr(u.DisplayName)
	u.AvatarHash = cloneStr(u.AvatarHash)
	return u
}

func cloneAsset(a Asset) Asset {
	a.Data = append([]byte(nil), a.Data...)
	a.Alt = cloneStr(a.Alt)
	return a
}

var _ Store = (*MemoryStore)(nil)
