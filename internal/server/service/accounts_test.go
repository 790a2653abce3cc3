package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"imghost/internal/server/database"
	"imghost/internal/server/policy"
)

type fakeUsers struct {
	mu     sync.Mutex
	users  map[int64]*database.User
	nextID int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[int64]*database.User)}
}

func (f *fakeUsers) Create(_ context.Context, u *database.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == u.Username {
			return database.ErrConflict
		}
	}
	f.nextID++
	u.ID = f.nextID
	u.CreatedAt = time.Now()
	f.users[u.ID] = u
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.users)), nil
}

func (f *fakeUsers) SetQuota(_ context.Context, id int64, quotaBytes *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return database.ErrNotFound
	}
	u.QuotaBytes = quotaBytes
	return nil
}

func (f *fakeUsers) SetPassword(_ context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return database.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUsers) List(_ context.Context) ([]*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeUsers) UpdateStatus(_ context.Context, id int64, role string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return database.ErrNotFound
	}
	u.Role, u.IsActive = role, active
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

type fakeInvites struct {
	mu      sync.Mutex
	invites map[string]*database.InviteCode
	usedBy  map[string]int64
	nextID  int64
}

func newFakeInvites() *fakeInvites {
	return &fakeInvites{
		invites: make(map[string]*database.InviteCode),
		usedBy:  make(map[string]int64),
	}
}

func (f *fakeInvites) CreateBatch(_ context.Context, codes []string, maxUses int, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range codes {
		f.nextID++
		f.invites[c] = &database.InviteCode{ID: f.nextID, Code: c, MaxUses: maxUses, ExpiresAt: expiresAt}
	}
	return nil
}

func (f *fakeInvites) Redeem(_ context.Context, code string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invites[code]
	if !ok || inv.CurrentUses >= inv.MaxUses || (inv.ExpiresAt != nil && !inv.ExpiresAt.After(now)) {
		return database.ErrNotFound
	}
	inv.CurrentUses++
	return nil
}

func (f *fakeInvites) MarkUsedBy(_ context.Context, code string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usedBy[code] = userID
	return nil
}

func (f *fakeInvites) List(_ context.Context) ([]*database.InviteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.InviteCode
	for _, inv := range f.invites {
		out = append(out, inv)
	}
	return out, nil
}

func (f *fakeInvites) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for code, inv := range f.invites {
		if inv.ID == id {
			delete(f.invites, code)
			return nil
		}
	}
	return database.ErrNotFound
}

func newAccounts(config map[string]string) (*AccountService, *fakeUsers, *fakeInvites) {
	users := newFakeUsers()
	invites := newFakeInvites()
	svc := NewAccountService(users, invites, passTx{}, policy.NewResolver(newConfigSource(config)))
	return svc, users, invites
}

func TestAccountService_Register(t *testing.T) {
	inviteOn := map[string]string{policy.KeyEnableInvite: "true"}

	t.Run("first user becomes admin without invite", func(t *testing.T) {
		svc, _, _ := newAccounts(inviteOn)
		u, err := svc.Register(context.Background(), RegisterRequest{Username: "root", Password: "hunter2"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !u.IsAdmin() {
			t.Errorf("expected admin role, got %s", u.Role)
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("hunter2")) != nil {
			t.Error("password not hashed with bcrypt")
		}
	})

	t.Run("later users are plain users", func(t *testing.T) {
		svc, _, _ := newAccounts(nil)
		svc.Register(context.Background(), RegisterRequest{Username: "root", Password: "pw"})
		u, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.IsAdmin() {
			t.Error("second user must not be admin")
		}
	})

	t.Run("invite required after first user", func(t *testing.T) {
		svc, _, _ := newAccounts(inviteOn)
		svc.Register(context.Background(), RegisterRequest{Username: "root", Password: "pw"})

		_, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw"})
		if !errors.Is(err, ErrInviteRequired) {
			t.Errorf("expected ErrInviteRequired, got %v", err)
		}

		_, err = svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw", InviteCode: "nope"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected ErrInvalidInvite, got %v", err)
		}
	})

	t.Run("invite uses are limited", func(t *testing.T) {
		svc, _, invites := newAccounts(inviteOn)
		svc.Register(context.Background(), RegisterRequest{Username: "root", Password: "pw"})
		invites.CreateBatch(context.Background(), []string{"abc123"}, 1, nil)

		u, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw", InviteCode: "abc123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if invites.usedBy["abc123"] != u.ID {
			t.Error("expected invite marked as used by alice")
		}

		_, err = svc.Register(context.Background(), RegisterRequest{Username: "bob", Password: "pw", InviteCode: "abc123"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected exhausted invite, got %v", err)
		}
	})

	t.Run("expired invite", func(t *testing.T) {
		svc, _, invites := newAccounts(inviteOn)
		svc.Register(context.Background(), RegisterRequest{Username: "root", Password: "pw"})
		past := time.Now().Add(-time.Hour)
		invites.CreateBatch(context.Background(), []string{"old"}, 5, &past)

		_, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw", InviteCode: "old"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected ErrInvalidInvite, got %v", err)
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		svc, _, _ := newAccounts(nil)
		svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw"})
		_, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "pw2"})
		if !errors.Is(err, ErrUsernameTaken) {
			t.Errorf("expected ErrUsernameTaken, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		svc, _, _ := newAccounts(nil)
		for _, req := range []RegisterRequest{{Username: "a"}, {Password: "b"}, {Username: "   ", Password: "b"}} {
			if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("%+v: expected ErrInvalidInput, got %v", req, err)
			}
		}
	})
}

func TestAccountService_Authenticate(t *testing.T) {
	svc, users, _ := newAccounts(nil)
	svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: "secret"})

	t.Run("valid credentials", func(t *testing.T) {
		u, err := svc.Authenticate(context.Background(), "alice", "secret")
		if err != nil || u.Username != "alice" {
			t.Fatalf("expected alice, got %v, %v", u, err)
		}
	})

	t.Run("wrong password or user", func(t *testing.T) {
		if _, err := svc.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
		if _, err := svc.Authenticate(context.Background(), "mallory", "secret"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("disabled account", func(t *testing.T) {
		u, _ := users.GetByUsername(context.Background(), "alice")
		u.IsActive = false
		defer func() { u.IsActive = true }()
		if _, err := svc.Authenticate(context.Background(), "alice", "secret"); !errors.Is(err, ErrAccountDisabled) {
			t.Errorf("expected ErrAccountDisabled, got %v", err)
		}
	})

	t.Run("change password", func(t *testing.T) {
		u, _ := users.GetByUsername(context.Background(), "alice")
		if err := svc.ChangePassword(context.Background(), u, "wrong", "new"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
		if err := svc.ChangePassword(context.Background(), u, "secret", "new"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := svc.Authenticate(context.Background(), "alice", "new"); err != nil {
			t.Errorf("new password rejected: %v", err)
		}
	})

	t.Run("change password beyond bcrypt limit", func(t *testing.T) {
		u, _ := users.GetByUsername(context.Background(), "alice")
		long := strings.Repeat("x", 73)
		if err := svc.ChangePassword(context.Background(), u, "new", long); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := svc.Authenticate(context.Background(), "alice", "new"); err != nil {
			t.Errorf("old password should still work: %v", err)
		}
	})
}

func TestAccountService_PasswordLength(t *testing.T) {
	svc, _, _ := newAccounts(nil)

	_, err := svc.Register(context.Background(), RegisterRequest{Username: "alice", Password: strings.Repeat("x", 73)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for 73 bytes, got %v", err)
	}

	// multi-byte runes count by byte
	_, err = svc.Register(context.Background(), RegisterRequest{Username: "bob", Password: strings.Repeat("é", 37)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for 74 bytes, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Username: "carol", Password: strings.Repeat("x", 72)}); err != nil {
		t.Errorf("72 bytes should be accepted: %v", err)
	}
}
