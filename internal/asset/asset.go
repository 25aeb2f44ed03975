// Package asset is the port to the asset module and resolves the assets a
// subscription refers to.
package asset

import (
	"context"
	"errors"

	"github.com/seawatch/subscriptions/internal/model"
)

// ErrAssetNotFound is returned when the asset module does not know a GUID.
var ErrAssetNotFound = errors.New("asset not found")

// Source is the capability the asset module provides.
type Source interface {
	Asset(ctx context.Context, guid string) (*model.Asset, error)
	AssetsByGroup(ctx context.Context, groupGUID string) ([]model.Asset, error)
}
