package server

import (
	"context"
	"errors"
	"fmt"

	"idp/clients"
	"idp/store"
)

// Bootstrap creates the users and clients listed in the configuration that
// do not exist yet. Existing records keep their credentials, so restarting
// against a persistent store does not rotate them; only the disabled flag
// of a client is reconciled.
func (a *App) Bootstrap(ctx context.Context) error {
	owners := make(map[string]string, len(a.Config.Users))
	for _, uc := range a.Config.Users {
		user, err := a.Users.FindByUsername(ctx, uc.Username)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			user, err = a.Users.Create(ctx, uc.Username, uc.Password, uc.Profile)
			if err != nil {
				return fmt.Errorf("bootstrap user %s: %w", uc.Username, err)
			}
		default:
			return fmt.Errorf("bootstrap user %s: %w", uc.Username, err)
		}
		owners[uc.Username] = user.ID
	}

	for _, cc := range a.Config.Clients {
		existing, err := a.Clients.FindByName(ctx, cc.Name)
		if err == nil {
			a.Logger.Info("bootstrap client present", "client_id", existing.ID, "name", existing.Name)
			if existing.Active == cc.Disabled {
				if err := a.Clients.SetActive(ctx, existing.ID, !cc.Disabled); err != nil {
					return fmt.Errorf("bootstrap client %s: %w", cc.Name, err)
				}
			}
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("bootstrap client %s: %w", cc.Name, err)
		}

		client, err := a.Clients.Register(ctx, clients.Registration{
			Name:                 cc.Name,
			RedirectURIs:         cc.RedirectURIs,
			OwnerID:              owners[cc.Owner],
			IDTokenSigningAlg:    cc.IDTokenSigningAlg,
			IDTokenEncryptionAlg: cc.IDTokenEncryptionAlg,
			IDTokenEncryptionEnc: cc.IDTokenEncryptionEnc,
		})
		if err != nil {
			return fmt.Errorf("bootstrap client %s: %w", cc.Name, err)
		}
		if cc.Disabled {
			if err := a.Clients.SetActive(ctx, client.ID, false); err != nil {
				return fmt.Errorf("bootstrap client %s: %w", cc.Name, err)
			}
		}
		// Logged only when the client is created.
		a.Logger.Warn("bootstrap client registered, record its credentials",
			"name", client.Name,
			"client_id", client.ID,
			"client_secret", client.Secret)
	}
	return nil
}
