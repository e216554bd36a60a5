// Package catalog resolves services and departments. Catalog CRUD lives in
// another system; this service only reads.
package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

type Catalog interface {
	// Service returns model.ErrServiceNotFound for unknown ids.
	Service(ctx context.Context, id string) (model.Service, error)
	// Department returns model.ErrDepartmentNotFound for unknown ids.
	Department(ctx context.Context, id string) (model.Department, error)
}

type Postgres struct {
	q db.Querier
}

func NewPostgres(q db.Querier) *Postgres {
	return &Postgres{q: q}
}

func (p *Postgres) Service(ctx context.Context, id string) (model.Service, error) {
	var s model.Service
	err := p.q.QueryRow(ctx, `SELECT id, name FROM services WHERE id = $1 AND active`, id).Scan(&s.ID, &s.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Service{}, model.ErrServiceNotFound
	}
	return s, err
}

func (p *Postgres) Department(ctx context.Context, id string) (model.Department, error) {
	var d model.Department
	err := p.q.QueryRow(ctx, `SELECT id, name FROM departments WHERE id = $1 AND active`, id).Scan(&d.ID, &d.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Department{}, model.ErrDepartmentNotFound
	}
	return d, err
}

// Memory is a fixed in-process catalog.
type Memory struct {
	mu          sync.RWMutex
	services    map[string]model.Service
	departments map[string]model.Department
}

func NewMemory() *Memory {
	return &Memory{services: map[string]model.Service{}, departments: map[string]model.Department{}}
}

func (m *Memory) PutService(s model.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *Memory) PutDepartment(d model.Department) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.departments[d.ID] = d
}

func (m *Memory) Service(_ context.Context, id string) (model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return model.Service{}, model.ErrServiceNotFound
	}
	return s, nil
}

func (m *Memory) Department(_ context.Context, id string) (model.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.departments[id]
	if !ok {
		return model.Department{}, model.ErrDepartmentNotFound
	}
	return d, nil
}
