package repo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"gorm.io/gorm"

	"wiresync/internal/models"
)

// PeerStore: реестр пиров поверх gorm (postgres, mysql, sqlite).
type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

// Migrate создаёт таблицу peerdata и уникальный индекс по overlay-адресу.
func (s *PeerStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Peer{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", models.ErrStorage, err)
	}
	return nil
}

func (s *PeerStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// -------- Create --------

// Create вставляет запись. Конфликт по идентичности: ErrAlreadyExists,
// по overlay-адресу: ErrAddressTaken.
func (s *PeerStore) Create(ctx context.Context, p *models.Peer) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.db.WithContext(ctx).Create(p).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("%w: create %s: %v", models.ErrStorage, p.ID(), err)
	}
	// какой именно ключ нарушен, драйверы сообщают по-разному: спрашиваем таблицу
	exists, xerr := s.Exists(ctx, p.ID())
	if xerr != nil {
		return xerr
	}
	if exists {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, p.ID())
	}
	return fmt.Errorf("%w: %s", models.ErrAddressTaken, p.OverlayAddress)
}

// -------- Read --------

func (s *PeerStore) Get(ctx context.Context, id models.PeerID) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).
		Where("endpoint = ? AND control_port = ?", id.Endpoint, id.ControlPort).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", models.ErrStorage, id, err)
	}
	return &p, nil
}

func (s *PeerStore) Exists(ctx context.Context, id models.PeerID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("endpoint = ? AND control_port = ?", id.Endpoint, id.ControlPort).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", models.ErrStorage, id, err)
	}
	return n > 0, nil
}

// List: все записи в каноническом порядке.
func (s *PeerStore) List(ctx context.Context) ([]models.Peer, error) {
	var out []models.Peer
	if err := s.db.WithContext(ctx).Order("endpoint, control_port").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %v", models.ErrStorage, err)
	}
	models.SortPeers(out)
	return out, nil
}

// ListOthers: все записи, кроме id.
func (s *PeerStore) ListOthers(ctx context.Context, id models.PeerID) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).
		Where("NOT (endpoint = ? AND control_port = ?)", id.Endpoint, id.ControlPort).
		Order("endpoint, control_port").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list others: %v", models.ErrStorage, err)
	}
	models.SortPeers(out)
	return out, nil
}

// UsedAddresses: множество занятых overlay-адресов.
func (s *PeerStore) UsedAddresses(ctx context.Context) (map[netip.Addr]struct{}, error) {
	var raw []string
	if err := s.db.WithContext(ctx).Model(&models.Peer{}).Pluck("overlay_address", &raw).Error; err != nil {
		return nil, fmt.Errorf("%w: used addresses: %v", models.ErrStorage, err)
	}
	return parseUsed(raw), nil
}

// -------- Update / Delete --------

func (s *PeerStore) Update(ctx context.Context, id models.PeerID, upd models.PeerUpdate) error {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("endpoint = ? AND control_port = ?", id.Endpoint, id.ControlPort).
		Updates(map[string]any{
			"key_material":    upd.KeyMaterial,
			"nic_name":        upd.NICName,
			"overlay_address": upd.OverlayAddress,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("%w: %s", models.ErrAddressTaken, upd.OverlayAddress)
		}
		return fmt.Errorf("%w: update %s: %v", models.ErrStorage, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *PeerStore) Delete(ctx context.Context, id models.PeerID) error {
	res := s.db.WithContext(ctx).
		Where("endpoint = ? AND control_port = ?", id.Endpoint, id.ControlPort).
		Delete(&models.Peer{})
	if res.Error != nil {
		return fmt.Errorf("%w: delete %s: %v", models.ErrStorage, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return nil
}

/* ───── helpers ───── */

// isUniqueViolation: TranslateError покрывает основные диалекты,
// строки: на случай драйвера без трансляции.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"UNIQUE constraint failed", "duplicate key", "Duplicate entry", "23505", "1062"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func parseUsed(raw []string) map[netip.Addr]struct{} {
	used := make(map[netip.Addr]struct{}, len(raw))
	for _, s := range raw {
		if a, err := netip.ParseAddr(s); err == nil {
			used[a] = struct{}{}
		}
	}
	return used
}
