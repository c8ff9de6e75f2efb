package ticketing

import (
	"context"
	"strings"
	"sync"

	"github.com/intynet/neti/internal/util"
)

// MockDirectory is an in-memory customer directory used when no ticketing
// API is configured.
type MockDirectory struct {
	mu        sync.RWMutex
	customers []Customer
}

// NewMockDirectory creates a directory holding the given customers.
func NewMockDirectory(customers ...Customer) *MockDirectory {
	return &MockDirectory{customers: customers}
}

// ParseMockCustomers parses "ID:Name,ID:Name" entries. Entries without a
// name get a placeholder.
func ParseMockCustomers(spec string) []Customer {
	var out []Customer
	for _, entry := range util.SplitList(spec) {
		id, name, _ := strings.Cut(entry, ":")
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = "Pelanggan " + id
		}
		out = append(out, Customer{ID: FlexString(id), ReferencesNumber: id, Name: name, Status: "active"})
	}
	return out
}

// Add registers a customer.
func (d *MockDirectory) Add(c Customer) {
	d.mu.Lock()
	d.customers = append(d.customers, c)
	d.mu.Unlock()
}

// SearchCustomers returns customers whose reference or name contains query.
func (d *MockDirectory) SearchCustomers(ctx context.Context, query string) ([]Customer, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Customer
	for _, c := range d.customers {
		if strings.Contains(strings.ToLower(c.Reference()), q) || strings.Contains(strings.ToLower(c.Name), q) {
			out = append(out, c)
		}
	}
	return out, nil
}

// CreateCustomer adds the customer unless its reference already exists.
func (d *MockDirectory) CreateCustomer(ctx context.Context, c Customer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.customers {
		if existing.Matches(c.Reference()) {
			return nil
		}
	}
	d.customers = append(d.customers, c)
	return nil
}
