package ledger

import (
	"context"
	"sync"

	"github.com/tmcarvalho/fisioagenda/internal/model"
)

// Memory is an in-process ledger for tests and single-node deployments.
// A single mutex serializes all consumptions, which is what upholds the
// at-most-once and non-negative invariants without a database.
type Memory struct {
	mu       sync.Mutex
	packages map[string]*model.SessionPackage
	consumed map[string]map[string]bool // packageID -> appointmentID
}

func NewMemory(packages ...model.SessionPackage) *Memory {
	m := &Memory{
		packages: make(map[string]*model.SessionPackage, len(packages)),
		consumed: make(map[string]map[string]bool),
	}
	for i := range packages {
		p := packages[i]
		m.packages[p.ID] = &p
	}
	return m
}

func (m *Memory) Consume(_ context.Context, packageID, appointmentID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg, ok := m.packages[packageID]
	if !ok {
		return Receipt{}, ErrPackageNotFound
	}
	if m.consumed[packageID][appointmentID] {
		return Receipt{
			PackageID:         packageID,
			AppointmentID:     appointmentID,
			SessionsRemaining: pkg.SessionsRemaining,
			AlreadyConsumed:   true,
			Exhausted:         pkg.Status == model.PackageExhausted,
		}, nil
	}
	if pkg.SessionsRemaining <= 0 {
		return Receipt{}, ErrInsufficientBalance
	}

	pkg.SessionsRemaining--
	if pkg.SessionsRemaining == 0 {
		pkg.Status = model.PackageExhausted
	}
	if m.consumed[packageID] == nil {
		m.consumed[packageID] = make(map[string]bool)
	}
	m.consumed[packageID][appointmentID] = true

	return Receipt{
		PackageID:         packageID,
		AppointmentID:     appointmentID,
		SessionsRemaining: pkg.SessionsRemaining,
		Exhausted:         pkg.SessionsRemaining == 0,
	}, nil
}

func (m *Memory) Refund(_ context.Context, packageID, appointmentID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkg, ok := m.packages[packageID]
	if !ok {
		return Receipt{}, ErrPackageNotFound
	}
	if !m.consumed[packageID][appointmentID] {
		return Receipt{
			PackageID:         packageID,
			AppointmentID:     appointmentID,
			SessionsRemaining: pkg.SessionsRemaining,
		}, nil
	}

	delete(m.consumed[packageID], appointmentID)
	if pkg.SessionsRemaining < pkg.TotalSessions {
		pkg.SessionsRemaining++
	}
	if pkg.Status == model.PackageExhausted && pkg.SessionsRemaining > 0 {
		pkg.Status = model.PackageActive
	}
	return Receipt{
		PackageID:         packageID,
		AppointmentID:     appointmentID,
		SessionsRemaining: pkg.SessionsRemaining,
	}, nil
}

func (m *Memory) Balance(_ context.Context, packageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[packageID]
	if !ok {
		return 0, ErrPackageNotFound
	}
	return pkg.SessionsRemaining, nil
}
