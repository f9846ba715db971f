package directory

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

func TestCheckAndSetDefaultsPicksPortByTLSMode(t *testing.T) {
	c := Config{Host: "ldap.example.com"}
	require.NoError(t, c.CheckAndSetDefaults())
	require.Equal(t, 389, c.Port)
	require.Equal(t, "(objectClass=person)", c.UserFilter)

	c = Config{Host: "ldap.example.com", TLSMode: TLSModeLDAPS}
	require.NoError(t, c.CheckAndSetDefaults())
	require.Equal(t, 636, c.Port)
}

func TestCheckAndSetDefaultsRequiresHost(t *testing.T) {
	c := Config{}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestEntryToUserPrefersUID(t *testing.T) {
	e := ldap.NewEntry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{
		"uid":  {"alice"},
		"cn":   {"Alice Example"},
		"mail": {"alice@example.com"},
	})
	u := entryToUser(e)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "alice@example.com", u.Email)
}

func TestEntryToUserFallsBackToCN(t *testing.T) {
	e := ldap.NewEntry("cn=bob,ou=people,dc=example,dc=com", map[string][]string{
		"cn": {"bob"},
	})
	u := entryToUser(e)
	require.Equal(t, "bob", u.Username)
}
