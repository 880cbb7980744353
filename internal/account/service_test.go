package account

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
	"github.com/gatehouse-auth/gatehouse/internal/credentials"
	"github.com/gatehouse-auth/gatehouse/internal/mail"
	"github.com/gatehouse-auth/gatehouse/internal/session"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/user"
)

const (
	strongPassword  = "xkP9#mQz!vL2@wN4"
	strongPassword2 = "Qw7$tZp2&hY9*bV5"
)

type challengeKey struct {
	userID uuid.UUID
	flow   challenge.Flow
}

// memoryStore backs both the account repository and the challenge repository
// with the same maps, so in-transaction mutations are visible to challenge
// reads exactly as they would be against one database.
type memoryStore struct {
	users      map[uuid.UUID]user.User
	byEmail    map[string]uuid.UUID
	sessions   map[string]session.Session
	challenges map[challengeKey]challenge.Challenge
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:      make(map[uuid.UUID]user.User),
		byEmail:    make(map[string]uuid.UUID),
		sessions:   make(map[string]session.Session),
		challenges: make(map[challengeKey]challenge.Challenge),
	}
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryStore) FindUserByEmail(_ context.Context, email string) (*user.User, error) {
	id, ok := m.byEmail[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	u := m.users[id]
	return &u, nil
}

func (m *memoryStore) FindUserByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &u, nil
}

func (m *memoryStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, sess := range m.sessions {
		if !sess.ExpiresAt.After(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeleteExpiredChallenges(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for key, ch := range m.challenges {
		if !ch.ExpiresAt.After(cutoff) {
			delete(m.challenges, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CreateUser(_ context.Context, u user.User) error {
	if _, exists := m.byEmail[u.Email]; exists {
		return shared.ErrConflict
	}
	m.users[u.ID] = u
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *memoryStore) UpdatePasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	u, ok := m.users[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.PasswordHash = hash
	m.users[userID] = u
	return nil
}

func (m *memoryStore) UpdateEmail(_ context.Context, userID uuid.UUID, email string) error {
	if owner, exists := m.byEmail[email]; exists && owner != userID {
		return shared.ErrConflict
	}
	u, ok := m.users[userID]
	if !ok {
		return shared.ErrNotFound
	}
	delete(m.byEmail, u.Email)
	u.Email = email
	m.users[userID] = u
	m.byEmail[email] = userID
	return nil
}

func (m *memoryStore) SetEmailVerified(_ context.Context, userID uuid.UUID) error {
	u, ok := m.users[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.EmailVerified = true
	m.users[userID] = u
	return nil
}

func (m *memoryStore) InsertSession(_ context.Context, sess session.Session) error {
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func (m *memoryStore) DeleteSessionsForUser(_ context.Context, userID uuid.UUID) error {
	for id, sess := range m.sessions {
		if sess.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memoryStore) UpsertChallenge(_ context.Context, ch challenge.Challenge) error {
	m.challenges[challengeKey{ch.UserID, ch.Flow}] = ch
	return nil
}

func (m *memoryStore) DeleteChallenge(_ context.Context, userID uuid.UUID, flow challenge.Flow) error {
	delete(m.challenges, challengeKey{userID, flow})
	return nil
}

func (m *memoryStore) DeleteExpiredChallenge(_ context.Context, userID uuid.UUID, flow challenge.Flow, cutoff time.Time) error {
	key := challengeKey{userID, flow}
	if ch, ok := m.challenges[key]; ok && !ch.ExpiresAt.After(cutoff) {
		delete(m.challenges, key)
	}
	return nil
}

// challenge.Repository over the same maps.

func (m *memoryStore) Upsert(ctx context.Context, ch challenge.Challenge) error {
	return m.UpsertChallenge(ctx, ch)
}

func (m *memoryStore) Find(_ context.Context, userID uuid.UUID, flow challenge.Flow) (*challenge.Challenge, error) {
	ch, ok := m.challenges[challengeKey{userID, flow}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &ch, nil
}

func (m *memoryStore) Delete(ctx context.Context, userID uuid.UUID, flow challenge.Flow) error {
	return m.DeleteChallenge(ctx, userID, flow)
}

func (m *memoryStore) MarkValidated(_ context.Context, userID uuid.UUID, flow challenge.Flow, at time.Time) error {
	key := challengeKey{userID, flow}
	ch, ok := m.challenges[key]
	if !ok {
		return shared.ErrNotFound
	}
	ch.ValidatedAt = &at
	m.challenges[key] = ch
	return nil
}

func (m *memoryStore) sessionsForUser(userID uuid.UUID) []session.Session {
	var out []session.Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// expireChallenge backdates a stored challenge past its deadline.
func (m *memoryStore) expireChallenge(userID uuid.UUID, flow challenge.Flow) {
	key := challengeKey{userID, flow}
	ch := m.challenges[key]
	ch.ExpiresAt = time.Now().Add(-time.Minute)
	m.challenges[key] = ch
}

type fakeMailer struct {
	sent []mail.Request
	err  error
}

func (f *fakeMailer) Enqueue(_ context.Context, req mail.Request) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryStore, *fakeMailer) {
	t.Helper()
	store := newMemoryStore()
	mailer := &fakeMailer{}
	logger := slog.Default()
	hasher := credentials.NewHasher()
	challenges := challenge.NewService(store, hasher, logger, challenge.DefaultValidity)
	svc := NewService(store, challenges, hasher, mailer, logger, session.DefaultValidity)
	return svc, store, mailer
}

func signUp(t *testing.T, svc *Service, email string) (uuid.UUID, Credential) {
	t.Helper()
	cred, err := svc.SignUp(context.Background(), SignUpInput{
		Email:           email,
		Password:        strongPassword,
		ConfirmPassword: strongPassword,
	})
	require.NoError(t, err)
	u, err := svc.repo.FindUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return u.ID, cred
}

func TestSignUpCreatesUserAndSession(t *testing.T) {
	svc, store, _ := newTestService(t)

	cred, err := svc.SignUp(context.Background(), SignUpInput{
		Username:        "newcomer",
		Email:           "  New.User@Example.COM ",
		Password:        strongPassword,
		ConfirmPassword: strongPassword,
	})
	require.NoError(t, err)
	require.NotEmpty(t, cred.Token)

	u, err := store.FindUserByEmail(context.Background(), "new.user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "newcomer", u.Username)
	assert.False(t, u.EmailVerified)
	assert.NotEqual(t, strongPassword, u.PasswordHash)

	ok, err := svc.hasher.Verify(u.PasswordHash, strongPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	sess, found := store.sessions[credentials.Fingerprint(cred.Token)]
	require.True(t, found, "session row keyed by the token digest")
	assert.Equal(t, u.ID, sess.UserID)
	assert.Equal(t, session.ScopeAuth, sess.Scope)
	assert.Equal(t, cred.ExpiresAt, sess.ExpiresAt)
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, store, _ := newTestService(t)
	signUp(t, svc, "taken@example.com")
	before := len(store.sessions)

	_, err := svc.SignUp(context.Background(), SignUpInput{
		Email:           "Taken@example.com",
		Password:        strongPassword,
		ConfirmPassword: strongPassword,
	})
	require.ErrorIs(t, err, shared.ErrConflict)
	assert.Len(t, store.sessions, before, "no session from the failed sign-up")
}

func TestSignUpRejectsWeakOrMismatchedPassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.SignUp(context.Background(), SignUpInput{
		Email:           "weak@example.com",
		Password:        "password123",
		ConfirmPassword: "password123",
	})
	require.ErrorIs(t, err, shared.ErrWeakSecret)

	_, err = svc.SignUp(context.Background(), SignUpInput{
		Email:           "mismatch@example.com",
		Password:        strongPassword,
		ConfirmPassword: strongPassword2,
	})
	require.ErrorIs(t, err, shared.ErrWeakSecret)
}

func TestSignIn(t *testing.T) {
	svc, store, _ := newTestService(t)
	userID, _ := signUp(t, svc, "signin@example.com")

	cred, err := svc.SignIn(context.Background(), "SignIn@example.com", strongPassword)
	require.NoError(t, err)
	sess, found := store.sessions[credentials.Fingerprint(cred.Token)]
	require.True(t, found)
	assert.Equal(t, userID, sess.UserID)
	assert.Equal(t, session.ScopeAuth, sess.Scope)

	_, err = svc.SignIn(context.Background(), "signin@example.com", "wrong-password-1")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.SignIn(context.Background(), "nobody@example.com", strongPassword)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	svc, store, _ := newTestService(t)
	userID, _ := signUp(t, svc, "rotate@example.com")
	_, err := svc.SignIn(context.Background(), "rotate@example.com", strongPassword)
	require.NoError(t, err)
	require.Len(t, store.sessionsForUser(userID), 2)

	cred, err := svc.ChangePassword(context.Background(), userID, strongPassword, strongPassword2, strongPassword2)
	require.NoError(t, err)

	remaining := store.sessionsForUser(userID)
	require.Len(t, remaining, 1, "all prior sessions revoked")
	assert.Equal(t, credentials.Fingerprint(cred.Token), remaining[0].ID)

	_, err = svc.SignIn(context.Background(), "rotate@example.com", strongPassword)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = svc.SignIn(context.Background(), "rotate@example.com", strongPassword2)
	require.NoError(t, err)
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID, _ := signUp(t, svc, "guard@example.com")

	_, err := svc.ChangePassword(context.Background(), userID, "not-the-password", strongPassword2, strongPassword2)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "reset@example.com")
	_, err := svc.SignIn(context.Background(), "reset@example.com", strongPassword)
	require.NoError(t, err)

	cred, err := svc.RequestPasswordReset(context.Background(), "reset@example.com")
	require.NoError(t, err)

	ch, err := store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.NoError(t, err)
	assert.Nil(t, ch.ValidatedAt)

	sess := store.sessions[credentials.Fingerprint(cred.Token)]
	assert.Equal(t, session.ScopeForgotPassword, sess.Scope)
	assert.Equal(t, ch.ExpiresAt, sess.ExpiresAt, "reset session dies with its challenge")

	require.Len(t, mailer.sent, 1)
	code := mailer.sent[0].Code
	assert.Equal(t, "reset@example.com", mailer.sent[0].To)
	assert.Equal(t, challenge.FlowPasswordReset, mailer.sent[0].Flow)

	// Finalizing before the code was validated is refused.
	_, err = svc.FinalizeReset(context.Background(), userID, strongPassword2, strongPassword2)
	require.ErrorIs(t, err, shared.ErrForbidden)

	require.ErrorIs(t, svc.VerifyPasswordReset(context.Background(), userID, "wrongcode"), shared.ErrInvalidCode)
	require.NoError(t, svc.VerifyPasswordReset(context.Background(), userID, code))

	ch, err = store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.NoError(t, err)
	require.NotNil(t, ch.ValidatedAt)

	newCred, err := svc.FinalizeReset(context.Background(), userID, strongPassword2, strongPassword2)
	require.NoError(t, err)

	_, err = store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.ErrorIs(t, err, shared.ErrNotFound, "challenge consumed")

	remaining := store.sessionsForUser(userID)
	require.Len(t, remaining, 1)
	assert.Equal(t, credentials.Fingerprint(newCred.Token), remaining[0].ID)
	assert.Equal(t, session.ScopeAuth, remaining[0].Scope)

	_, err = svc.SignIn(context.Background(), "reset@example.com", strongPassword2)
	require.NoError(t, err)
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)

	_, err := svc.RequestPasswordReset(context.Background(), "ghost@example.com")
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, mailer.sent)
}

func TestRequestPasswordResetReplacesValidatedChallenge(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "replay@example.com")

	_, err := svc.RequestPasswordReset(context.Background(), "replay@example.com")
	require.NoError(t, err)
	require.NoError(t, svc.VerifyPasswordReset(context.Background(), userID, mailer.sent[0].Code))

	// A second request resets the two-phase state; the old validation must
	// not carry over to the new code.
	_, err = svc.RequestPasswordReset(context.Background(), "replay@example.com")
	require.NoError(t, err)

	ch, err := store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.NoError(t, err)
	assert.Nil(t, ch.ValidatedAt)

	_, err = svc.FinalizeReset(context.Background(), userID, strongPassword2, strongPassword2)
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestVerifyPasswordResetExpired(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "stale@example.com")

	_, err := svc.RequestPasswordReset(context.Background(), "stale@example.com")
	require.NoError(t, err)
	store.expireChallenge(userID, challenge.FlowPasswordReset)

	err = svc.VerifyPasswordReset(context.Background(), userID, mailer.sent[0].Code)
	require.ErrorIs(t, err, shared.ErrExpired)
	_, err = store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.ErrorIs(t, err, shared.ErrNotFound, "expired row removed on read")

	_, err = svc.FinalizeReset(context.Background(), userID, strongPassword2, strongPassword2)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestEmailVerificationFlow(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "verify@example.com")

	require.NoError(t, svc.RequestEmailVerification(context.Background(), userID))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "verify@example.com", mailer.sent[0].To)
	assert.Equal(t, challenge.FlowEmailVerification, mailer.sent[0].Flow)

	err := svc.ConfirmEmailVerification(context.Background(), userID, "bogus")
	require.ErrorIs(t, err, shared.ErrInvalidCode)
	u, _ := store.FindUserByID(context.Background(), userID)
	assert.False(t, u.EmailVerified, "wrong code has no effect")

	require.NoError(t, svc.ConfirmEmailVerification(context.Background(), userID, mailer.sent[0].Code))
	u, _ = store.FindUserByID(context.Background(), userID)
	assert.True(t, u.EmailVerified)
	_, err = store.Find(context.Background(), userID, challenge.FlowEmailVerification)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestEmailUpdateFlow(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "old@example.com")

	require.NoError(t, svc.RequestEmailUpdate(context.Background(), userID, "Fresh@Example.com"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "fresh@example.com", mailer.sent[0].To, "code goes to the prospective address")

	pending, err := svc.EmailUpdateStatus(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, pending.ExpiresAt.IsZero())

	require.NoError(t, svc.ConfirmEmailUpdate(context.Background(), userID, mailer.sent[0].Code))

	u, err := store.FindUserByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "fresh@example.com", u.Email)
	_, err = store.FindUserByEmail(context.Background(), "old@example.com")
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = store.Find(context.Background(), userID, challenge.FlowEmailUpdate)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConfirmEmailUpdateTakenAddress(t *testing.T) {
	svc, _, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "mover@example.com")
	signUp(t, svc, "occupied@example.com")

	require.NoError(t, svc.RequestEmailUpdate(context.Background(), userID, "occupied@example.com"))
	err := svc.ConfirmEmailUpdate(context.Background(), userID, mailer.sent[0].Code)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestEmailUpdateInvalidatesPendingReset(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "pivot@example.com")

	_, err := svc.RequestPasswordReset(context.Background(), "pivot@example.com")
	require.NoError(t, err)
	require.NoError(t, svc.RequestEmailUpdate(context.Background(), userID, "next@example.com"))

	var updateCode string
	for _, req := range mailer.sent {
		if req.Flow == challenge.FlowEmailUpdate {
			updateCode = req.Code
		}
	}
	require.NoError(t, svc.ConfirmEmailUpdate(context.Background(), userID, updateCode))

	_, err = store.Find(context.Background(), userID, challenge.FlowPasswordReset)
	require.ErrorIs(t, err, shared.ErrNotFound, "reset sent to the old address is dead")
}

func TestEmailUpdateStatusExpired(t *testing.T) {
	svc, store, _ := newTestService(t)
	userID, _ := signUp(t, svc, "lapsed@example.com")

	require.NoError(t, svc.RequestEmailUpdate(context.Background(), userID, "later@example.com"))
	store.expireChallenge(userID, challenge.FlowEmailUpdate)

	_, err := svc.EmailUpdateStatus(context.Background(), userID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = store.Find(context.Background(), userID, challenge.FlowEmailUpdate)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAbandonEmailUpdate(t *testing.T) {
	svc, store, _ := newTestService(t)
	userID, _ := signUp(t, svc, "undo@example.com")

	require.NoError(t, svc.RequestEmailUpdate(context.Background(), userID, "regret@example.com"))
	require.NoError(t, svc.AbandonEmailUpdate(context.Background(), userID))
	_, err := store.Find(context.Background(), userID, challenge.FlowEmailUpdate)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.EmailUpdateStatus(context.Background(), userID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSignOut(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, cred := signUp(t, svc, "leave@example.com")

	require.NoError(t, svc.SignOut(context.Background(), credentials.Fingerprint(cred.Token)))
	_, found := store.sessions[credentials.Fingerprint(cred.Token)]
	assert.False(t, found)
}

func TestGetProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID, _ := signUp(t, svc, "whoami@example.com")

	profile, err := svc.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, userID, profile.ID)
	assert.Equal(t, "whoami@example.com", profile.Email)
	assert.False(t, profile.EmailVerified)

	_, err = svc.GetProfile(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMailerFailureDoesNotFailRequest(t *testing.T) {
	svc, store, mailer := newTestService(t)
	userID, _ := signUp(t, svc, "flaky@example.com")
	mailer.err = errors.New("broker down")

	require.NoError(t, svc.RequestEmailVerification(context.Background(), userID))
	_, err := store.Find(context.Background(), userID, challenge.FlowEmailVerification)
	require.NoError(t, err, "challenge committed even though delivery failed")
}

func TestSweepExpired(t *testing.T) {
	svc, store, _ := newTestService(t)
	userID, cred := signUp(t, svc, "sweep@example.com")
	require.NoError(t, svc.RequestEmailVerification(context.Background(), userID))

	sess := store.sessions[credentials.Fingerprint(cred.Token)]
	sess.ExpiresAt = time.Now().Add(-time.Hour)
	store.sessions[sess.ID] = sess
	store.expireChallenge(userID, challenge.FlowEmailVerification)

	require.NoError(t, svc.SweepExpired(context.Background()))
	assert.Empty(t, store.sessionsForUser(userID))
	_, err := store.Find(context.Background(), userID, challenge.FlowEmailVerification)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
