package authz

import (
	"context"
	"errors"

	"idp/model"
	"idp/store"
)

// Login records userID as the authenticated user of authID. Consent is
// recomputed from the user's consent set.
func (e *Engine) Login(ctx context.Context, authID, userID string) (*model.Authorization, error) {
	auth, err := e.Get(ctx, authID)
	if err != nil {
		return nil, err
	}
	user, err := e.users.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ValidationError("", "unknown user")
	}
	if err != nil {
		return nil, model.InternalError(err, "load user")
	}

	auth.UserID = user.ID
	auth.Consent = user.HasConsented(auth.ClientID)
	auth.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateAuthorization(ctx, auth); err != nil {
		return nil, model.InternalError(err, "update authorization")
	}
	e.logger.Info("authorization login", "authorization_id", shortID(auth.ID), "user_id", user.ID, "consent", auth.Consent)
	return auth, nil
}

// Forget drops the authenticated user and consent from authID, so the next
// Drive asks for a login again.
func (e *Engine) Forget(ctx context.Context, authID string) (*model.Authorization, error) {
	auth, err := e.Get(ctx, authID)
	if err != nil {
		return nil, err
	}
	if auth.UserID == "" && !auth.Consent {
		return auth, nil
	}
	auth.UserID = ""
	auth.Consent = false
	auth.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateAuthorization(ctx, auth); err != nil {
		return nil, model.InternalError(err, "update authorization")
	}
	e.logger.Info("authorization user forgotten", "authorization_id", shortID(auth.ID))
	return auth, nil
}

// Approve adds the client to the user's consent set and marks the
// authorization consented. The set-add is atomic in the store.
func (e *Engine) Approve(ctx context.Context, authID, userID string) (*model.Authorization, error) {
	auth, err := e.Get(ctx, authID)
	if err != nil {
		return nil, err
	}
	if auth.UserID == "" || auth.UserID != userID {
		return nil, model.ValidationError("", "authorization belongs to a different user")
	}
	if err := e.users.AddConsent(ctx, userID, auth.ClientID); err != nil {
		return nil, model.InternalError(err, "record consent")
	}

	auth.Consent = true
	auth.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateAuthorization(ctx, auth); err != nil {
		return nil, model.InternalError(err, "update authorization")
	}
	e.logger.Info("authorization approved", "authorization_id", shortID(auth.ID), "client_id", auth.ClientID)
	return auth, nil
}

// Deny ends the authorization with access_denied.
func (e *Engine) Deny(ctx context.Context, authID string) Outcome {
	auth, err := e.Get(ctx, authID)
	if err != nil {
		return Fatal{Err: err}
	}
	if err := e.store.DeleteAuthorization(ctx, auth.ID); err != nil {
		return Fatal{Err: model.InternalError(err, "delete authorization")}
	}
	mode := Classify(auth.ResponseType).DefaultMode()
	if auth.ResponseMode != "" {
		mode = auth.ResponseMode
	}
	e.logger.Info("authorization denied", "authorization_id", shortID(auth.ID), "client_id", auth.ClientID)
	return RedirectWithError{
		RedirectURI: auth.RedirectURI,
		Mode:        mode,
		Code:        model.CodeAccessDenied,
		Description: "the user denied the request",
		State:       auth.State,
	}
}
