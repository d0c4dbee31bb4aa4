package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Registration is a single role-to-endpoint binding.
type Registration struct {
	Role         string    `json:"role"`
	Endpoint     string    `json:"endpoint"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Directory maps logical worker roles to delivery endpoints. Registrations
// happen at process start (config-seeded) and through the registration API;
// resolution happens on every dispatch, so reads dominate.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		entries: make(map[string]Registration),
	}
}

// Seed registers the given role-to-endpoint map in one call. Used to load
// config-declared endpoints at startup.
func (d *Directory) Seed(endpoints map[string]string) {
	for role, endpoint := range endpoints {
		d.Register(role, endpoint)
	}
}

// Register binds a role to an endpoint. Re-registration overwrites the
// previous binding; a role never resolves to more than one endpoint.
// Returns the previous endpoint and whether one was replaced.
func (d *Directory) Register(role, endpoint string) (prev string, replaced bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[role]; ok {
		prev = existing.Endpoint
		replaced = true
	}
	d.entries[role] = Registration{
		Role:         role,
		Endpoint:     endpoint,
		RegisteredAt: time.Now().UTC(),
	}
	return prev, replaced
}

// Resolve returns the endpoint registered for the role. Fails with an
// UNKNOWN_ROLE error when no endpoint is registered.
func (d *Directory) Resolve(role string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reg, ok := d.entries[role]
	if !ok {
		return "", model.NewUnknownRoleError(role)
	}
	return reg.Endpoint, nil
}

// Roles returns all registrations sorted by role name.
func (d *Directory) Roles() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	regs := make([]Registration, 0, len(d.entries))
	for _, reg := range d.entries {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Role < regs[j].Role })
	return regs
}
