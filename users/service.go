package users

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"sheetmesh/result"
)

// Service is the in-memory users store of one replica.
type Service struct {
	mu       sync.RWMutex
	users    map[string]User
	validate *validator.Validate
	sheets   SheetsCleaner
	logger   *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:    make(map[string]User),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("users"),
	}
}

// SetSheetsCleaner sets who removes the sheets of deleted users.
func (s *Service) SetSheetsCleaner(c SheetsCleaner) {
	s.mu.Lock()
	s.sheets = c
	s.mu.Unlock()
}

func (s *Service) CreateUser(ctx context.Context, u User) (string, error) {
	if err := s.validate.StructCtx(ctx, u); err != nil {
		return "", result.Errorf(result.BadRequest, "invalid user: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; ok {
		return "", result.Errorf(result.Conflict, "user %s already exists", u.UserID)
	}
	s.users[u.UserID] = u
	return u.UserID, nil
}

func (s *Service) GetUser(ctx context.Context, userID, password string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticate(userID, password)
}

// authenticate is called with mu held.
func (s *Service) authenticate(userID, password string) (User, error) {
	u, ok := s.users[userID]
	if !ok {
		return User{}, result.Errorf(result.NotFound, "user %s not found", userID)
	}
	if u.Password != password {
		return User{}, result.Errorf(result.Forbidden, "wrong password for %s", userID)
	}
	return u, nil
}

// UpdateUser replaces the non-empty fields of update. The user id cannot
// change.
func (s *Service) UpdateUser(ctx context.Context, userID, password string, update User) (User, error) {
	if userID == "" || password == "" {
		return User{}, result.Errorf(result.BadRequest, "user id and password are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.authenticate(userID, password)
	if err != nil {
		return User{}, err
	}
	if update.FullName != "" {
		u.FullName = update.FullName
	}
	if update.Email != "" {
		u.Email = update.Email
	}
	if update.Password != "" {
		u.Password = update.Password
	}
	s.users[userID] = u
	return u, nil
}

// DeleteUser removes the user after asking the sheets service to drop the
// user's sheets. A failure to clean up is logged and does not keep the
// user around.
func (s *Service) DeleteUser(ctx context.Context, userID, password string) (User, error) {
	if userID == "" {
		return User{}, result.Errorf(result.BadRequest, "user id is required")
	}

	s.mu.RLock()
	_, err := s.authenticate(userID, password)
	sheets := s.sheets
	s.mu.RUnlock()
	if err != nil {
		return User{}, err
	}

	// The sheets replicas authenticate against this service while
	// applying the cleanup, so it runs without holding mu.
	if sheets != nil {
		if err := sheets.DeleteUserSheets(ctx, userID, password); err != nil {
			s.logger.Warn("failed to delete user sheets", zap.String("user", userID), zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.authenticate(userID, password)
	if err != nil {
		return User{}, err
	}
	delete(s.users, userID)
	return u, nil
}

// SearchUsers returns the users whose full name contains pattern, ignoring
// case, sorted by id. An empty pattern matches everyone. Passwords are
// blanked.
func (s *Service) SearchUsers(ctx context.Context, pattern string) ([]User, error) {
	pattern = strings.ToLower(pattern)

	s.mu.RLock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if pattern == "" || strings.Contains(strings.ToLower(u.FullName), pattern) {
			u.Password = ""
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}
