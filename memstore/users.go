package memstore

import (
	"context"
	"strings"
	"time"

	"expertflow/auth"
)

// UserRepo implements auth.Repository.
type UserRepo struct {
	s *Store
}

var _ auth.Repository = (*UserRepo)(nil)

func (r *UserRepo) CreateUser(_ context.Context, params auth.CreateUserParams) (auth.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(params.Email)
	if _, exists := s.emails[email]; exists {
		return auth.User{}, auth.ErrDuplicateEmail
	}

	now := time.Now().UTC()
	u := auth.User{
		ID:           s.newID(),
		Email:        email,
		FirstName:    params.FirstName,
		LastName:     params.LastName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	s.emails[email] = u.ID
	if u.Role == auth.RoleExpert {
		s.profiles[u.ID] = defaultState(u)
	}
	return u, nil
}

func (r *UserRepo) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.emails[strings.ToLower(email)]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return r.s.users[id], nil
}

func (r *UserRepo) GetUserByID(_ context.Context, userID string) (auth.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

// AddUser seeds an account with the given role and no password.
func (s *Store) AddUser(id, firstName, lastName string, role auth.Role) {
	if role == auth.RoleExpert {
		s.AddExpert(id, firstName, lastName)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	u := auth.User{
		ID:        id,
		Email:     id + "@users.local",
		FirstName: firstName,
		LastName:  lastName,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[id] = u
	s.emails[u.Email] = id
}
