// Package marketplace reads listings owned by the marketplace service.
package marketplace

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/model"
)

// StatusActive is the only listing status that can be purchased.
const StatusActive = "active"

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingUnavailable = errors.New("listing is not available for purchase")
)

type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Purchasable returns the listing if it is active.
func (c *Catalog) Purchasable(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrListingNotFound, id)
		}
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrListingUnavailable, id, l.Status)
	}
	return &l, nil
}
