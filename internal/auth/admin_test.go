package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrec.org/internal/auth"
)

func adminPrincipal() auth.Principal {
	return auth.Principal{CredentialID: 999, Username: "root", RoleID: auth.RoleAdministrator}
}

func TestCreateCredentialWithTemporaryPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	person := &auth.Person{FirstName: "Ana", LastName: "Lopez"}
	require.NoError(t, f.admin.CreatePerson(ctx, person))

	cred, temp, err := f.admin.CreateCredential(ctx, auth.NewCredential{
		PersonID: person.ID,
		RoleID:   auth.RoleTrainee,
		Username: " ana ",
	})
	require.NoError(t, err)
	assert.Equal(t, "ana", cred.Username)
	assert.True(t, cred.TemporaryPassword)
	assert.NotEmpty(t, temp)
	assert.Equal(t, "trainee", cred.RoleName)

	res, err := f.engine.Login(ctx, "ana", temp)
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomePasswordChangeRequired, res.Outcome)
}

func TestCreateCredentialWithExplicitPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	person := &auth.Person{FirstName: "Ben", LastName: "Ortiz"}
	require.NoError(t, f.admin.CreatePerson(ctx, person))

	cred, temp, err := f.admin.CreateCredential(ctx, auth.NewCredential{
		PersonID: person.ID,
		RoleID:   auth.RoleClinician,
		Username: "ben",
		Password: "Given#Pass1",
	})
	require.NoError(t, err)
	assert.Empty(t, temp)
	assert.False(t, cred.TemporaryPassword)

	res, err := f.engine.Login(ctx, "ben", "Given#Pass1")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)
}

func TestCreateCredentialTemporaryWithGivenPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	person := &auth.Person{FirstName: "Cy", LastName: "Reyes"}
	require.NoError(t, f.admin.CreatePerson(ctx, person))

	cred, temp, err := f.admin.CreateCredential(ctx, auth.NewCredential{
		PersonID:  person.ID,
		RoleID:    auth.RoleAdministrator,
		Username:  "cy",
		Password:  "Chosen#Pass1",
		Temporary: true,
	})
	require.NoError(t, err)
	assert.Empty(t, temp)
	assert.True(t, cred.TemporaryPassword)

	res, err := f.engine.Login(ctx, "cy", "Chosen#Pass1")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomePasswordChangeRequired, res.Outcome)
}

func TestProvisionCreatesPersonAndCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	person := &auth.Person{FirstName: " Dana ", LastName: "Kim"}
	cred, temp, err := f.admin.Provision(ctx, person, auth.NewCredential{RoleID: auth.RoleTrainee, Username: "dana"})
	require.NoError(t, err)
	assert.NotZero(t, person.ID)
	assert.Equal(t, "Dana", person.FirstName)
	assert.Equal(t, person.ID, cred.PersonID)
	assert.NotEmpty(t, temp)
	assert.True(t, cred.TemporaryPassword)
}

func TestProvisionWritesNothingOnRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCredential(t, "taken", "Correct#Horse1", auth.RoleClinician, nil)

	cases := []struct {
		name   string
		person auth.Person
		req    auth.NewCredential
		want   error
	}{
		{"duplicate username", auth.Person{FirstName: "A", LastName: "B"}, auth.NewCredential{RoleID: auth.RoleClinician, Username: "taken"}, auth.ErrConflict},
		{"unknown role", auth.Person{FirstName: "A", LastName: "B"}, auth.NewCredential{RoleID: 77, Username: "new"}, auth.ErrInvalidInput},
		{"short password", auth.Person{FirstName: "A", LastName: "B"}, auth.NewCredential{RoleID: auth.RoleClinician, Username: "new", Password: "abc"}, auth.ErrInvalidInput},
		{"missing names", auth.Person{}, auth.NewCredential{RoleID: auth.RoleClinician, Username: "new"}, auth.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			person := tc.person
			_, _, err := f.admin.Provision(ctx, &person, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Zero(t, person.ID)
		})
	}

	// the first person belongs to "taken", so no rejected call left a row
	next := &auth.Person{FirstName: "Next", LastName: "Person"}
	require.NoError(t, f.admin.CreatePerson(ctx, next))
	assert.Equal(t, int64(2), next.ID)
}

func TestCreateCredentialRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.addCredential(t, "taken", "Correct#Horse1", auth.RoleClinician, nil)
	free := &auth.Person{FirstName: "Free", LastName: "Person"}
	require.NoError(t, f.admin.CreatePerson(ctx, free))

	cases := []struct {
		name string
		req  auth.NewCredential
		want error
	}{
		{"missing fields", auth.NewCredential{}, auth.ErrInvalidInput},
		{"short password", auth.NewCredential{PersonID: free.ID, RoleID: auth.RoleClinician, Username: "x", Password: "abc"}, auth.ErrInvalidInput},
		{"unknown person", auth.NewCredential{PersonID: 12345, RoleID: auth.RoleClinician, Username: "x"}, auth.ErrNotFound},
		{"unknown role", auth.NewCredential{PersonID: free.ID, RoleID: 77, Username: "x"}, auth.ErrInvalidInput},
		{"duplicate username", auth.NewCredential{PersonID: free.ID, RoleID: auth.RoleClinician, Username: "taken"}, auth.ErrConflict},
		{"person already linked", auth.NewCredential{PersonID: existing.PersonID, RoleID: auth.RoleClinician, Username: "fresh"}, auth.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.admin.CreateCredential(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "alice", "Correct#Horse1", auth.RoleClinician, nil)
	f.addCredential(t, "bob", "Correct#Horse1", auth.RoleClinician, nil)

	role := auth.RoleAdministrator
	updated, err := f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{RoleID: &role})
	require.NoError(t, err)
	assert.Equal(t, "administrator", updated.RoleName)

	name := "bob"
	_, err = f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{Username: &name})
	require.ErrorIs(t, err, auth.ErrConflict)

	_, err = f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{})
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.admin.UpdateCredential(ctx, 4242, auth.CredentialUpdate{RoleID: &role})
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUpdateCredentialRoleChangeRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "bob", "Correct#Horse1", auth.RoleAdministrator, nil)

	res, err := f.engine.Login(ctx, "bob", "Correct#Horse1")
	require.NoError(t, err)

	name := "robert"
	_, err = f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{Username: &name})
	require.NoError(t, err)
	_, err = f.engine.AuthenticateToken(ctx, res.Token)
	require.NoError(t, err, "a rename keeps the session")

	same := auth.RoleAdministrator
	_, err = f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{RoleID: &same})
	require.NoError(t, err)
	_, err = f.engine.AuthenticateToken(ctx, res.Token)
	require.NoError(t, err, "an unchanged role keeps the session")

	demoted := auth.RoleClinician
	_, err = f.admin.UpdateCredential(ctx, cred.ID, auth.CredentialUpdate{RoleID: &demoted})
	require.NoError(t, err)
	_, err = f.engine.AuthenticateToken(ctx, res.Token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	again, err := f.engine.Login(ctx, "robert", "Correct#Horse1")
	require.NoError(t, err)
	principal, err := f.engine.AuthenticateToken(ctx, again.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleClinician, principal.RoleID)
}

func TestDeactivateClosesSessionsAndBlocksLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "alice", "Correct#Horse1", auth.RoleClinician, nil)

	res, err := f.engine.Login(ctx, "alice", "Correct#Horse1")
	require.NoError(t, err)

	_, err = f.admin.Deactivate(ctx, cred.ID)
	require.NoError(t, err)

	_, err = f.engine.AuthenticateToken(ctx, res.Token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.engine.Login(ctx, "alice", "Correct#Horse1")
	require.ErrorIs(t, err, auth.ErrAccountInactive)

	_, err = f.admin.Deactivate(ctx, cred.ID)
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.admin.Activate(ctx, cred.ID)
	require.NoError(t, err)
	_, err = f.engine.Login(ctx, "alice", "Correct#Horse1")
	require.NoError(t, err)
}

func TestEnableAndDisableMFA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "alice", "Correct#Horse1", auth.RoleClinician, nil)

	enrollment, err := f.admin.EnableMFA(ctx, cred.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.URL, "otpauth://")

	stored := f.credential(t, cred.ID)
	assert.True(t, stored.MFAEnabled)
	require.NotNil(t, stored.MFASecret)
	assert.Equal(t, enrollment.Secret, *stored.MFASecret)

	res, err := f.engine.Login(ctx, "alice", "Correct#Horse1")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomeMFARequired, res.Outcome)

	require.NoError(t, f.admin.DisableMFA(ctx, cred.ID))
	stored = f.credential(t, cred.ID)
	assert.False(t, stored.MFAEnabled)
	assert.Nil(t, stored.MFASecret)
}

func TestSetPasswordOwnershipRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addCredential(t, "alice", "Correct#Horse1", auth.RoleClinician, nil)
	bob := f.addCredential(t, "bob", "Correct#Horse1", auth.RoleClinician, nil)
	self := auth.Principal{CredentialID: alice.ID, RoleID: auth.RoleClinician}

	require.NoError(t, f.admin.SetPassword(ctx, self, alice.ID, "Fresh#Pass22", false))
	_, err := f.engine.Login(ctx, "alice", "Fresh#Pass22")
	require.NoError(t, err)

	err = f.admin.SetPassword(ctx, self, bob.ID, "Fresh#Pass22", false)
	require.ErrorIs(t, err, auth.ErrForbidden)
	err = f.admin.SetPassword(ctx, self, alice.ID, "Fresh#Pass22", true)
	require.ErrorIs(t, err, auth.ErrForbidden)

	require.NoError(t, f.admin.SetPassword(ctx, adminPrincipal(), bob.ID, "Reset#Pass33", true))
	res, err := f.engine.Login(ctx, "bob", "Reset#Pass33")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomePasswordChangeRequired, res.Outcome)
}

func TestSetPasswordClearsLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "alice", "Correct#Horse1", auth.RoleClinician, nil)
	for range 3 {
		_, _ = f.engine.Login(ctx, "alice", "bad-password")
	}
	_, err := f.engine.Login(ctx, "alice", "Correct#Horse1")
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, f.admin.SetPassword(ctx, adminPrincipal(), cred.ID, "Unlock#Pass1", false))
	_, err = f.engine.Login(ctx, "alice", "Unlock#Pass1")
	require.NoError(t, err)
}

func TestRoleAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role, err := f.admin.CreateRole(ctx, "  nurse ")
	require.NoError(t, err)
	assert.Equal(t, "nurse", role.Name)

	_, err = f.admin.CreateRole(ctx, "nurse")
	require.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.admin.CreateRole(ctx, "")
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	renamed, err := f.admin.UpdateRole(ctx, role.ID, "senior nurse")
	require.NoError(t, err)
	assert.Equal(t, "senior nurse", renamed.Name)

	byName, err := f.admin.RoleByName(ctx, "senior nurse")
	require.NoError(t, err)
	assert.Equal(t, role.ID, byName.ID)

	roles, err := f.admin.InitializeRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 4)

	_, err = f.admin.Role(ctx, 404)
	require.True(t, errors.Is(err, auth.ErrNotFound))
}
