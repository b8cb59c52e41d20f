package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	pa "github.com/panyam/pocketauth"
)

func (c *Client) profileQuery(userID uuid.UUID) url.Values {
	return url.Values{
		"id":     {"eq." + userID.String()},
		"select": {"*"},
	}
}

// GetProfile reads the profile row of userID. Row level security means only
// the signed in user's own row is visible. Returns nil, nil when there is no row.
func (c *Client) GetProfile(ctx context.Context, userID uuid.UUID) (*pa.Profile, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pa.ErrNoSession
	}

	data, err := c.do(ctx, request{
		op:        "get_profile",
		method:    http.MethodGet,
		path:      "/rest/v1/" + c.profileTable,
		query:     c.profileQuery(userID),
		bearer:    s.AccessToken,
		profileOp: true,
	})
	if err != nil {
		c.logFailure(ctx, "get_profile", err)
		return nil, err
	}

	var rows []pa.Profile
	if err := decodeJSON("get_profile", data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpdateProfile patches the set columns of the profile row and returns the row
func (c *Client) UpdateProfile(ctx context.Context, userID uuid.UUID, update pa.ProfileUpdate) (*pa.Profile, error) {
	if update.IsEmpty() {
		return nil, pa.NewError(pa.KindValidation, "update_profile", "no profile fields to update")
	}
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pa.ErrNoSession
	}

	data, err := c.do(ctx, request{
		op:        "update_profile",
		method:    http.MethodPatch,
		path:      "/rest/v1/" + c.profileTable,
		query:     url.Values{"id": {"eq." + userID.String()}},
		body:      update,
		bearer:    s.AccessToken,
		header:    map[string]string{"Prefer": "return=representation"},
		profileOp: true,
	})
	if err != nil {
		c.logFailure(ctx, "update_profile", err)
		return nil, err
	}

	var rows []pa.Profile
	if err := decodeJSON("update_profile", data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &pa.Error{Kind: pa.KindProfile, Op: "update_profile", Code: "profile_not_found", Message: "profile not found"}
	}
	return &rows[0], nil
}
