package v1

import (
	"net/http"

	"github.com/stacklok/gitkv/internal/api/common"
	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/service"
)

// userParams extracts the realm and user name from the URL.
func userParams(w http.ResponseWriter, r *http.Request) (realm, name string, ok bool) {
	realm, err := common.GetAndValidateURLParam(r, "realm")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	name, err = common.GetAndValidateURLParam(r, "name")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return realm, name, true
}

// readUserData decodes a user record from the request body. A password in the
// body is clear text and is returned apart so the service hashes it.
func (routes *Routes) readUserData(w http.ResponseWriter, r *http.Request) (authz.UserData, string, bool) {
	body, ok := routes.readBody(w, r)
	if !ok {
		return authz.UserData{}, "", false
	}
	var data authz.UserData
	if err := decodeJSON(body, &data); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return authz.UserData{}, "", false
	}
	password := data.Password
	data.Password = ""
	return data, password, true
}

// getUser handles GET /api/v1/users/{realm}/{name}
//
// @Summary		Get a user
// @Description	Returns a user record without its password hash
// @Tags			users
// @Produce		json
// @Param			realm	path		string	true	"Realm name"
// @Param			name	path		string	true	"User name"
// @Success		200		{object}	UserResponse
// @Failure		403		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Router			/api/v1/users/{realm}/{name} [get]
func (routes *Routes) getUser(w http.ResponseWriter, r *http.Request) {
	realm, name, ok := userParams(w, r)
	if !ok {
		return
	}

	data, version, err := routes.service.GetUser(r.Context(), routes.ref(r), realm, name)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	record := *data
	record.Password = ""
	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, UserResponse{Realm: realm, Name: name, Version: version, Record: &record}, http.StatusOK)
}

// addUser handles POST /api/v1/users/{realm}/{name}
//
// @Summary		Create a user
// @Description	Creates a user record. A password in the body is hashed before it is stored.
// @Tags			users
// @Accept			json
// @Produce		json
// @Param			realm	path		string	true	"Realm name"
// @Param			name	path		string	true	"User name"
// @Success		201		{object}	UserVersionResponse
// @Failure		409		{object}	common.ErrorResponse
// @Router			/api/v1/users/{realm}/{name} [post]
func (routes *Routes) addUser(w http.ResponseWriter, r *http.Request) {
	realm, name, ok := userParams(w, r)
	if !ok {
		return
	}
	opts, err := commitOptions[service.AddUserOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, password, ok := routes.readUserData(w, r)
	if !ok {
		return
	}
	opts = append(opts, service.WithUserData[service.AddUserOptions](data))
	if password != "" {
		opts = append(opts, service.WithPassword[service.AddUserOptions](password))
	}

	version, err := routes.service.AddUser(r.Context(), routes.ref(r), realm, name, opts...)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, UserVersionResponse{Realm: realm, Name: name, Version: version}, http.StatusCreated)
}

// updateUser handles PUT /api/v1/users/{realm}/{name}
//
// @Summary		Update a user
// @Description	Replaces a user record. The stored password is kept when the body has none.
// @Tags			users
// @Accept			json
// @Produce		json
// @Success		200		{object}	UserVersionResponse
// @Failure		412		{object}	common.ErrorResponse
// @Failure		428		{object}	common.ErrorResponse
// @Router			/api/v1/users/{realm}/{name} [put]
func (routes *Routes) updateUser(w http.ResponseWriter, r *http.Request) {
	realm, name, ok := userParams(w, r)
	if !ok {
		return
	}
	expected, ok := ifMatch(r, "If-Match")
	if !ok {
		common.WriteErrorResponse(w, "If-Match header is required", http.StatusPreconditionRequired)
		return
	}
	opts, err := commitOptions[service.UpdateUserOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, password, ok := routes.readUserData(w, r)
	if !ok {
		return
	}
	opts = append(opts,
		service.WithUserData[service.UpdateUserOptions](data),
		service.WithExpectedVersion[service.UpdateUserOptions](expected))
	if password != "" {
		opts = append(opts, service.WithPassword[service.UpdateUserOptions](password))
	}

	version, err := routes.service.UpdateUser(r.Context(), routes.ref(r), realm, name, opts...)
	if err != nil {
		routes.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(version))
	common.WriteJSONResponse(w, UserVersionResponse{Realm: realm, Name: name, Version: version}, http.StatusOK)
}

// deleteUser handles DELETE /api/v1/users/{realm}/{name}
//
// @Summary		Delete a user
// @Tags			users
// @Success		204
// @Failure		404	{object}	common.ErrorResponse
// @Router			/api/v1/users/{realm}/{name} [delete]
func (routes *Routes) deleteUser(w http.ResponseWriter, r *http.Request) {
	realm, name, ok := userParams(w, r)
	if !ok {
		return
	}
	opts, err := commitOptions[service.DeleteUserOptions](r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if expected, ok := ifMatch(r, "If-Match"); ok {
		opts = append(opts, service.WithExpectedVersion[service.DeleteUserOptions](expected))
	}

	if err := routes.service.DeleteUser(r.Context(), routes.ref(r), realm, name, opts...); err != nil {
		routes.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
