package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/auth"
)

type createUserRequest struct {
	PersonID int64       `json:"person_id"`
	RoleID   auth.RoleID `json:"role_id"`
	Username string      `json:"username"`
	Password string      `json:"password"`
}

type createUserResponse struct {
	User              auth.PublicCredential `json:"user"`
	TemporaryPassword string                `json:"temporary_password,omitempty"`
}

type updateUserRequest struct {
	Username *string      `json:"username"`
	RoleID   *auth.RoleID `json:"role_id"`
}

type setPasswordRequest struct {
	Password  string `json:"password"`
	Temporary bool   `json:"temporary"`
}

type roleRequest struct {
	Name string `json:"name"`
}

type createPersonRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (a *API) userRoutes(r chi.Router) {
	r.Use(a.Authenticate)

	r.With(a.audited("USER_PASSWORD_SET", "")).Patch("/{id}/password", a.handleSetPassword)

	r.Group(func(r chi.Router) {
		r.Use(RequirePolicy(auth.PolicyAdminOnly))
		r.Get("/", a.handleListUsers)
		r.Get("/{id}", a.handleGetUser)
		r.With(a.audited("USER_CREATE", "Credential created")).Post("/", a.handleCreateUser)
		r.With(a.audited("USER_UPDATE", "")).Put("/{id}", a.handleUpdateUser)
		r.With(a.audited("USER_DEACTIVATE", "")).Delete("/{id}", a.handleDeactivateUser)
		r.With(a.audited("USER_ACTIVATE", "")).Patch("/{id}/activate", a.handleActivateUser)
		r.With(a.audited("USER_MFA_ENABLE", "")).Post("/{id}/enable-mfa", a.handleEnableMFA)
		r.With(a.audited("USER_MFA_DISABLE", "")).Post("/{id}/disable-mfa", a.handleDisableMFA)
	})
}

func (a *API) roleRoutes(r chi.Router) {
	r.Use(a.Authenticate, RequirePolicy(auth.PolicyAdminOnly))

	r.Get("/", a.handleListRoles)
	r.Get("/name/{name}", a.handleGetRoleByName)
	r.Get("/{id}", a.handleGetRole)
	r.With(a.audited("ROLE_CREATE", "Role created")).Post("/", a.handleCreateRole)
	r.With(a.audited("ROLE_UPDATE", "")).Put("/{id}", a.handleUpdateRole)
	r.With(a.audited("ROLE_INITIALIZE", "Default roles initialized")).Post("/initialize", a.handleInitializeRoles)
}

func (a *API) personRoutes(r chi.Router) {
	r.Use(a.Authenticate, RequirePolicy(auth.PolicyAdminOnly))
	r.With(a.audited("PERSON_CREATE", "Person created")).Post("/", a.handleCreatePerson)
}

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	includeInactive := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "active must be true or false")
			return
		}
		includeInactive = !active
	}
	creds, err := a.admin.ListCredentials(r.Context(), includeInactive)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, auth.PublicList(creds))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	cred, err := a.admin.Credential(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", cred.Public())
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !bind(w, r, &req) {
		return
	}
	cred, temp, err := a.admin.CreateCredential(r.Context(), auth.NewCredential{
		PersonID: req.PersonID,
		RoleID:   req.RoleID,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/users/%d", cred.ID))
	writeData(w, http.StatusCreated, "User created", createUserResponse{
		User:              cred.Public(),
		TemporaryPassword: temp,
	})
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !bind(w, r, &req) {
		return
	}
	cred, err := a.admin.UpdateCredential(r.Context(), id, auth.CredentialUpdate{
		Username: req.Username,
		RoleID:   req.RoleID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "User updated", cred.Public())
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	cred, err := a.admin.Deactivate(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "User deactivated", cred.Public())
}

func (a *API) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	cred, err := a.admin.Activate(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "User activated", cred.Public())
}

func (a *API) handleEnableMFA(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	enrollment, err := a.admin.EnableMFA(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "MFA enabled", enrollment)
}

func (a *API) handleDisableMFA(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := a.admin.DisableMFA(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, "MFA disabled")
}

func (a *API) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req setPasswordRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.admin.SetPassword(r.Context(), principal(r), id, req.Password, req.Temporary); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, "Password updated")
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.Roles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, roles)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	role, err := a.admin.Role(r.Context(), auth.RoleID(id))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", role)
}

func (a *API) handleGetRoleByName(w http.ResponseWriter, r *http.Request) {
	role, err := a.admin.RoleByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !bind(w, r, &req) {
		return
	}
	role, err := a.admin.CreateRole(r.Context(), req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/roles/%d", role.ID))
	writeData(w, http.StatusCreated, "Role created", role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req roleRequest
	if !bind(w, r, &req) {
		return
	}
	role, err := a.admin.UpdateRole(r.Context(), auth.RoleID(id), req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role updated", role)
}

func (a *API) handleInitializeRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.InitializeRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, roles)
}

// --- persons ---

func (a *API) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req createPersonRequest
	if !bind(w, r, &req) {
		return
	}
	p := &auth.Person{FirstName: req.FirstName, LastName: req.LastName, Email: req.Email}
	if err := a.admin.CreatePerson(r.Context(), p); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/persons/%d", p.ID))
	writeData(w, http.StatusCreated, "Person created", p)
}
