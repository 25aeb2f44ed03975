package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/upstream"
)

// HTTPSource calls the asset module's REST API.
type HTTPSource struct {
	client *upstream.Client
}

// NewHTTPSource creates an asset source over client.
func NewHTTPSource(client *upstream.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

// Asset implements Source.
func (s *HTTPSource) Asset(ctx context.Context, guid string) (*model.Asset, error) {
	var a model.Asset
	if err := s.client.GetJSON(ctx, "/assets/"+guid, nil, &a); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("get asset %s: %w", guid, err)
	}
	if a.GUID == "" {
		a.GUID = guid
	}
	return &a, nil
}

type groupResponse struct {
	Assets []model.Asset `json:"assets"`
}

// AssetsByGroup implements Source. An unknown group has no members.
func (s *HTTPSource) AssetsByGroup(ctx context.Context, groupGUID string) ([]model.Asset, error) {
	var resp groupResponse
	if err := s.client.GetJSON(ctx, "/groups/"+groupGUID+"/assets", nil, &resp); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list assets of group %s: %w", groupGUID, err)
	}
	return resp.Assets, nil
}
