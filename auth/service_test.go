package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:     "Alice@Example.com",
		Password:  "supersafe",
		FirstName: "Alice",
		LastName:  "Martin",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalised email, got %q", user.Email)
	}
	if user.Role != RoleExpert {
		t.Fatalf("register: expected default role %s got %s", RoleExpert, user.Role)
	}
	if user.DisplayName() != "Alice Martin" {
		t.Fatalf("register: expected display name %q got %q", "Alice Martin", user.DisplayName())
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleExpert {
		t.Fatalf("verify token: expected role %s got %s", RoleExpert, tokenRole)
	}
}

func TestService_RegisterRecruiter(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "rh@example.com",
		Password:  "strongpassword",
		FirstName: "Rita",
		LastName:  "Hugo",
		Role:      RoleRecruiter,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != RoleRecruiter {
		t.Fatalf("expected recruiter, got %s", user.Role)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "root@example.com",
		Password:  "strongpassword",
		FirstName: "Root",
		LastName:  "Admin",
		Role:      RoleAdmin,
	}); err == nil {
		t.Fatal("expected admin self-registration to be refused")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "alice@example.com",
		Password:  "short",
		FirstName: "Alice",
		LastName:  "Martin",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
	})
	if !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}

	for _, role := range []Role{RoleAdmin, "broker"} {
		_, err = svc.Register(context.Background(), RegisterRequest{
			Email:     "root@example.com",
			Password:  "strongpassword",
			FirstName: "Root",
			LastName:  "User",
			Role:      role,
		})
		if !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("role %q: expected ErrInvalidRole, got %v", role, err)
		}
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:     "alice@example.com",
		Password:  "strongpassword",
		FirstName: "Alice",
		LastName:  "Martin",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	issuedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now := issuedAt
	svc := NewService(newFakeRepository(), "test-secret",
		WithTokenTTL(time.Hour),
		WithNow(func() time.Time { return now }),
	)

	token, err := svc.IssueToken("user-1", RoleRecruiter)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = issuedAt.Add(2 * time.Hour)
	if _, _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	now = issuedAt
	other := NewService(newFakeRepository(), "other-secret", WithNow(func() time.Time { return now }))
	if _, _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestUser_DisplayNameFallsBackToEmail(t *testing.T) {
	u := User{Email: "x@example.com"}
	if got := u.DisplayName(); got != "x@example.com" {
		t.Fatalf("expected email fallback, got %q", got)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FirstName:    params.FirstName,
		LastName:     params.LastName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
