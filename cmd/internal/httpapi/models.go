package httpapi

import (
	"bytes"
	"encoding/json"
	"time"

	"stash/cmd/identity"
	"stash/cmd/internal/auth/session"
	"stash/cmd/internal/profile"
)

type credentialsRequest struct {
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	DisplayName *string `json:"display_name,omitempty"`
}

// optString distinguishes an absent JSON field from an explicit null.
type optString struct {
	Set   bool
	Value *string
}

func (o *optString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

type updateUserRequest struct {
	Email       optString `json:"email"`
	Password    optString `json:"password"`
	DisplayName optString `json:"display_name"`
	AvatarHash  optString `json:"avatar_hash"`
}

// toPatch maps the request onto a profile.Patch. A null email or password
// means "unchanged"; display_name and avatar_hash may be cleared.
func (r updateUserRequest) toPatch() profile.Patch {
	var p profile.Patch
	if r.Email.Set && r.Email.Value != nil {
		p.Email = profile.To(*r.Email.Value)
	}
	if r.Password.Set && r.Password.Value != nil {
		p.Password = profile.To(*r.Password.Value)
	}
	if r.DisplayName.Set {
		p.DisplayName = profile.Field[string]{Set: true, Value: r.DisplayName.Value}
	}
	if r.AvatarHash.Set {
		p.AvatarHash = profile.Field[string]{Set: true, Value: r.AvatarHash.Value}
	}
	return p
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName *string   `json:"display_name"`
	AvatarHash  *string   `json:"avatar_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type assetResponse struct {
	Hash        string  `json:"hash"`
	ContentType string  `json:"content_type"`
	Alt         *string `json:"alt"`
}

type assetMetadataResponse struct {
	ContentType string    `json:"content_type"`
	Alt         *string   `json:"alt"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		UserID:    issued.UserID,
	}
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarHash:  u.AvatarHash,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func toAssetResponse(a identity.Asset) assetResponse {
	return assetResponse{Hash: a.Hash, ContentType: a.ContentType, Alt: a.Alt}
}

func toAssetMetadataResponse(md identity.AssetMetadata) assetMetadataResponse {
	return assetMetadataResponse{
		ContentType: md.ContentType,
		Alt:         md.Alt,
		Size:        md.Size,
		CreatedAt:   md.CreatedAt,
	}
}
