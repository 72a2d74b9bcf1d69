package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"vpnhub/internal/models"
)

type ServerStore struct {
	db   *gorm.DB
	seqs *SequenceStore
}

func NewServerStore(db *gorm.DB) *ServerStore {
	return &ServerStore{db: db, seqs: NewSequenceStore(db)}
}

func (s *ServerStore) Get(ctx context.Context, id uint) (*models.Server, error) {
	var srv models.Server
	err := s.db.WithContext(ctx).First(&srv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &srv, err
}

func (s *ServerStore) List(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// Register создаёт сервер и присваивает имя "CC-N" из персистентной
// последовательности по стране: номера не разъезжаются между
// рестартами и инстансами.
func (s *ServerStore) Register(ctx context.Context, srv *models.Server) error {
	cc := strings.ToUpper(strings.TrimSpace(srv.Country))
	if len(cc) != 2 {
		return fmt.Errorf("country must be a 2-letter code, got %q", srv.Country)
	}
	srv.Country = cc
	if srv.Status == "" {
		srv.Status = models.ServerStatusActive
	}
	n, err := s.seqs.Next(ctx, "server_cc_"+cc)
	if err != nil {
		return fmt.Errorf("country sequence: %w", err)
	}
	if srv.Name == "" {
		srv.Name = fmt.Sprintf("%s-%d", cc, n)
	}
	return s.db.WithContext(ctx).Create(srv).Error
}
