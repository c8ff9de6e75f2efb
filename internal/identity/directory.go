package identity

import (
	"context"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

// Backend names.
const (
	BackendTicketing = "ticketing"
	BackendIntynet   = "intynet"
)

// SearchFunc searches a customer directory.
type SearchFunc func(ctx context.Context, query string) ([]ticketing.Customer, error)

// Directory adapts a directory search to Backend. Search results are fuzzy,
// so only an exact id or reference match counts.
type Directory struct {
	name   string
	search SearchFunc
}

// NewDirectory creates a backend named name over search.
func NewDirectory(name string, search SearchFunc) *Directory {
	return &Directory{name: name, search: search}
}

func (d *Directory) Name() string { return d.name }

func (d *Directory) Lookup(ctx context.Context, internalID string) (Lookup, error) {
	customers, err := d.search(ctx, internalID)
	if err != nil {
		return Lookup{}, err
	}
	for _, c := range customers {
		if c.Matches(internalID) {
			return Lookup{Found: true, Account: accountFrom(internalID, c), Customer: c}, nil
		}
	}
	return Lookup{}, nil
}

func accountFrom(internalID string, c ticketing.Customer) models.Account {
	return models.Account{
		InternalID:      internalID,
		Name:            c.Name,
		Address:         c.Address,
		Phone:           c.Phone,
		Status:          c.Status,
		BackendID:       string(c.ID),
		SiteID:          string(c.SiteID),
		ReferenceNumber: c.Reference(),
	}
}
