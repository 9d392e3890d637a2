package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/model"
)

func TestParseAccessSpec(t *testing.T) {
	for _, test := range []struct {
		name       string
		access     string
		password   string
		members    []string
		wantAccess model.AccessType
		wantErr    bool
	}{
		{name: "public", access: "public", wantAccess: model.AccessPublic},
		{name: "protected with password", access: "protected", password: "correct horse battery staple", wantAccess: model.AccessProtected},
		{name: "protected without password", access: "protected", wantErr: true},
		{name: "private with members", access: "private", members: []string{"u1", "u2"}, wantAccess: model.AccessPrivate},
		{name: "private without members", access: "private", wantErr: true},
		{name: "unknown access type", access: "sorta-public", wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			spec, err := parseAccessSpec(test.access, test.password, test.members, 0)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantAccess, spec.Access)
			assert.Equal(t, test.password, spec.Password)
			assert.Equal(t, test.members, spec.MemberIDs)
		})
	}
}

func TestParseAccessSpecExpiry(t *testing.T) {
	spec, err := parseAccessSpec("public", "", nil, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, spec.ExpiresIn)
}
