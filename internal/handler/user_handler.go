/*
Package handler provides the HTTP handlers and routing setup for the relay.

This file contains the user directory CRUD handlers.
*/
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"relaychat/internal/app/user"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/req"
	"relaychat/internal/pkg/resp"
)

// CreateUserInput is the request body for user registration.
type CreateUserInput struct {
	Username string `json:"username"`
	Forename string `json:"forename"`
	Surname  string `json:"surname"`
	Sport    string `json:"sport"`
}

// HandleCreateUser registers a new user profile.
func HandleCreateUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input CreateUserInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		created, err := deps.Users.Create(r.Context(), user.User{
			Username: input.Username,
			Forename: input.Forename,
			Surname:  input.Surname,
			Sport:    input.Sport,
		})
		if err != nil {
			switch {
			case errors.Is(err, user.ErrInvalidProfile):
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidProfile))
			case errors.Is(err, user.ErrUsernameTaken):
				resp.RespondError(w, r, errs.NewError(errs.ErrUserAlreadyExists))
			default:
				logx.Error(err, "Failed to create user", "username", input.Username)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			}
			return
		}

		resp.RespondSuccess(w, r, created)
	}
}

// HandleGetUser fetches a user profile by username.
func HandleGetUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		if username == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		found, err := deps.Users.GetByUsername(r.Context(), username)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrUserNotFound))
				return
			}

			logx.Error(err, "Failed to fetch user", "username", username)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		resp.RespondSuccess(w, r, found)
	}
}
