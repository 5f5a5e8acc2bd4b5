package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/pkg/constants"
)

var ErrNotFound = errors.New("announcement not found")

type Announcement struct {
	ID          uuid.UUID    `json:"id"`
	Title       string       `json:"title"`
	Permissions permref.Sets `json:"permissions"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type CreateInput struct {
	Title       string `validate:"required,max=500"`
	Permissions permref.Sets
	PublishedAt *time.Time
}

type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (Announcement, error)
	ListLive(ctx context.Context) ([]Announcement, error)
	Insert(ctx context.Context, a Announcement) error
	UpdatePermissions(ctx context.Context, id uuid.UUID, sets permref.Sets, at time.Time) error
	MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// AnnouncementService covers the permission-related slice of announcements.
type AnnouncementService struct {
	repo Repository
	now  func() time.Time
}

func NewAnnouncementService(repo Repository) *AnnouncementService {
	return &AnnouncementService{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (s *AnnouncementService) Create(ctx context.Context, in CreateInput) (Announcement, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := constants.Validate.Struct(in); err != nil {
		return Announcement{}, &ServiceError{Status: http.StatusBadRequest, Code: "ANNOUNCEMENT_INVALID_BODY", Message: "invalid announcement", Cause: err}
	}
	now := s.now()
	a := Announcement{
		ID:          uuid.New(),
		Title:       in.Title,
		Permissions: in.Permissions.Normalize(),
		PublishedAt: in.PublishedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, a); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (s *AnnouncementService) Get(ctx context.Context, id uuid.UUID) (Announcement, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Announcement{}, mapNotFound(err)
	}
	if a.DeletedAt != nil {
		return Announcement{}, mapNotFound(ErrNotFound)
	}
	return a, nil
}

func (s *AnnouncementService) ListLive(ctx context.Context) ([]Announcement, error) {
	return s.repo.ListLive(ctx)
}

func (s *AnnouncementService) UpdatePermissions(ctx context.Context, id uuid.UUID, sets permref.Sets) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return mapNotFound(s.repo.UpdatePermissions(ctx, id, sets.Normalize(), s.now()))
}

func (s *AnnouncementService) Delete(ctx context.Context, id uuid.UUID) error {
	return mapNotFound(s.repo.MarkDeleted(ctx, id, s.now()))
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return &ServiceError{Status: http.StatusNotFound, Code: "ANNOUNCEMENT_NOT_FOUND", Message: "announcement not found", Cause: ErrNotFound}
	}
	return err
}
