package custody

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privchat/internal/model"
	apperrors "privchat/pkg/errors"
)

type fakeKeyRepo struct {
	mu            sync.Mutex
	identityKeys  map[string][]byte
	preKeys       map[string][]*model.PreKey
	signedPreKeys map[string]*model.SignedPreKey
	deleteErr     error
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{
		identityKeys:  make(map[string][]byte),
		preKeys:       make(map[string][]*model.PreKey),
		signedPreKeys: make(map[string]*model.SignedPreKey),
	}
}

func (r *fakeKeyRepo) UpsertIdentityKey(_ context.Context, userID string, publicKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identityKeys[userID] = publicKey
	return nil
}

func (r *fakeKeyRepo) GetIdentityKey(_ context.Context, userID string) (*model.IdentityKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.identityKeys[userID]
	if !ok {
		return nil, nil
	}
	return &model.IdentityKey{UserID: userID, PublicKey: key}, nil
}

func (r *fakeKeyRepo) InsertPreKeys(_ context.Context, preKeys []*model.PreKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range preKeys {
		r.preKeys[k.UserID] = append(r.preKeys[k.UserID], k)
	}
	return nil
}

// ConsumePreKey mirrors the production atomicity: select-and-mark under
// one lock.
func (r *fakeKeyRepo) ConsumePreKey(_ context.Context, userID string) (*model.PreKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.preKeys[userID] {
		if !k.IsUsed {
			k.IsUsed = true
			return k, nil
		}
	}
	return nil, nil
}

func (r *fakeKeyRepo) CountUnusedPreKeys(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range r.preKeys[userID] {
		if !k.IsUsed {
			n++
		}
	}
	return n, nil
}

func (r *fakeKeyRepo) InsertSignedPreKey(_ context.Context, key *model.SignedPreKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signedPreKeys[key.UserID] = key
	return nil
}

func (r *fakeKeyRepo) GetSignedPreKey(_ context.Context, userID string) (*model.SignedPreKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signedPreKeys[userID], nil
}

func (r *fakeKeyRepo) DeleteSignedPreKey(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.signedPreKeys, userID)
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.ConversationSession
	convs    map[string]*model.Conversation
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*model.ConversationSession),
		convs:    make(map[string]*model.Conversation),
	}
}

func (r *fakeSessionRepo) GetOrCreateSession(_ context.Context, conversationID, initiatorID, responderID string) (*model.ConversationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[conversationID]; ok {
		return s, nil
	}
	s := &model.ConversationSession{
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		ResponderID:    responderID,
		UpdatedAt:      time.Now(),
	}
	r.sessions[conversationID] = s
	return s, nil
}

func (r *fakeSessionRepo) NextMessageNumber(_ context.Context, conversationID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		return 0, assert.AnError
	}
	s.MessageNumber++
	s.UpdatedAt = time.Now()
	return s.MessageNumber, nil
}

func (r *fakeSessionRepo) DeleteStaleSessions(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, s := range r.sessions {
		if s.UpdatedAt.Before(olderThan) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (r *fakeSessionRepo) CreateConversation(_ context.Context, conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv
	return nil
}

func (r *fakeSessionRepo) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs[id], nil
}

func newTestService() (*Service, *fakeKeyRepo, *fakeSessionRepo) {
	keyRepo := newFakeKeyRepo()
	sessionRepo := newFakeSessionRepo()
	return NewService(keyRepo, sessionRepo), keyRepo, sessionRepo
}

func uploadTestPreKeys(t *testing.T, svc *Service, userID string, n int) {
	t.Helper()
	batch := make([]*model.PreKey, 0, n)
	for i := 1; i <= n; i++ {
		batch = append(batch, &model.PreKey{KeyID: i, PublicKey: []byte{byte(i)}})
	}
	require.NoError(t, svc.UploadPreKeys(context.Background(), userID, batch))
}

func TestRegisterIdentityKeyValidatesLength(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.RegisterIdentityKey(ctx, "alice", make([]byte, 32)))
	require.NoError(t, svc.RegisterIdentityKey(ctx, "alice", make([]byte, 33)))
	assert.ErrorIs(t, svc.RegisterIdentityKey(ctx, "alice", make([]byte, 31)), apperrors.ErrInvalidIdentityKey)
	assert.ErrorIs(t, svc.RegisterIdentityKey(ctx, "alice", nil), apperrors.ErrInvalidIdentityKey)
}

func TestUploadPreKeysBatchLimits(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.UploadPreKeys(ctx, "alice", nil), apperrors.ErrEmptyPreKeyBatch)

	big := make([]*model.PreKey, 101)
	for i := range big {
		big[i] = &model.PreKey{KeyID: i}
	}
	assert.ErrorIs(t, svc.UploadPreKeys(ctx, "alice", big), apperrors.ErrPreKeyBatchTooLarge)

	require.NoError(t, svc.UploadPreKeys(ctx, "alice", big[:100]))
}

func TestConsumePreKeyExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService()
	const poolSize = 5
	const callers = 20
	uploadTestPreKeys(t, svc, "alice", poolSize)

	results := make(chan *model.PreKey, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := svc.ConsumePreKey(context.Background(), "alice")
			assert.NoError(t, err)
			results <- key
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	var misses int
	for key := range results {
		if key == nil {
			misses++
			continue
		}
		assert.False(t, seen[key.KeyID], "prekey %d consumed twice", key.KeyID)
		seen[key.KeyID] = true
	}
	assert.Len(t, seen, poolSize)
	assert.Equal(t, callers-poolSize, misses)
}

func TestPreKeyCountTracksConsumption(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	count, err := svc.PreKeyCount(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)

	uploadTestPreKeys(t, svc, "alice", 3)

	count, err = svc.PreKeyCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = svc.ConsumePreKey(ctx, "alice")
	require.NoError(t, err)

	count, err = svc.PreKeyCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestGetKeyBundle(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	t.Run("missing identity key", func(t *testing.T) {
		_, err := svc.GetKeyBundle(ctx, "nobody")
		assert.ErrorIs(t, err, apperrors.ErrIdentityKeyMissing)
	})

	require.NoError(t, svc.RegisterIdentityKey(ctx, "alice", make([]byte, 32)))

	t.Run("missing signed prekey", func(t *testing.T) {
		_, err := svc.GetKeyBundle(ctx, "alice")
		assert.ErrorIs(t, err, apperrors.ErrSignedPreKeyMissing)
	})

	require.NoError(t, svc.UploadSignedPreKey(ctx, "alice", 7, []byte("spk"), []byte("sig")))

	t.Run("bundle without one-time key", func(t *testing.T) {
		bundle, err := svc.GetKeyBundle(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 7, bundle.SignedKeyID)
		assert.Nil(t, bundle.PreKey)
		assert.Nil(t, bundle.PreKeyID)
	})

	t.Run("bundle consumes one-time key", func(t *testing.T) {
		uploadTestPreKeys(t, svc, "alice", 1)

		bundle, err := svc.GetKeyBundle(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, bundle.PreKeyID)
		assert.Equal(t, 1, *bundle.PreKeyID)

		// pool is now empty again
		bundle, err = svc.GetKeyBundle(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, bundle.PreKey)
	})
}

func TestRotateSignedPreKeySurvivesDeleteFailure(t *testing.T) {
	svc, keyRepo, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.UploadSignedPreKey(ctx, "alice", 1, []byte("old"), []byte("sig1")))

	keyRepo.deleteErr = assert.AnError
	require.NoError(t, svc.RotateSignedPreKey(ctx, "alice", 2, []byte("new"), []byte("sig2")))

	current, err := svc.GetSignedPreKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, current.KeyID)
	assert.Equal(t, []byte("new"), current.PublicKey)
}

func TestMonotonicMessageNumber(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.GetOrCreateSession(ctx, "c1", "alice", "bob")
	require.NoError(t, err)

	var prev int64
	for i := 0; i < 50; i++ {
		num, err := svc.NextMessageNumber(ctx, "c1")
		require.NoError(t, err)
		assert.Greater(t, num, prev)
		prev = num
	}
}

func TestCleanupSessionsTouchesOnlyStaleRows(t *testing.T) {
	svc, _, sessionRepo := newTestService()
	ctx := context.Background()

	_, err := svc.GetOrCreateSession(ctx, "stale", "a", "b")
	require.NoError(t, err)
	_, err = svc.GetOrCreateSession(ctx, "fresh", "c", "d")
	require.NoError(t, err)

	sessionRepo.mu.Lock()
	sessionRepo.sessions["stale"].UpdatedAt = time.Now().Add(-48 * time.Hour)
	sessionRepo.mu.Unlock()

	removed, err := svc.CleanupSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = svc.GetOrCreateSession(ctx, "fresh", "c", "d")
	require.NoError(t, err)
}
