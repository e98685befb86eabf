package rest

import (
	"context"
	"fmt"
)

type photoDTO struct {
	FotoPerfil string `json:"fotoPerfil"`
}

// ProfilePhoto fetches the avatar filename for a user.
// GET /usuario/{id}/foto-perfil
// Returns an empty string when the user has no photo on record.
func (c *Client) ProfilePhoto(ctx context.Context, userID int64) (string, error) {
	var dto photoDTO
	if err := c.do(ctx, "GET", fmt.Sprintf("/usuario/%d/foto-perfil", userID), nil, &dto); err != nil {
		return "", err
	}
	return dto.FotoPerfil, nil
}
