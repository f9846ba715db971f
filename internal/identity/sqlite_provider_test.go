package identity

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*SQLiteProvider, clockwork.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClock()
	p, err := NewSQLiteProvider(SQLiteProviderConfig{DB: db, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background()))
	return p, clock
}

func seedTicket(t *testing.T, p *SQLiteProvider, secret, target string, remaining *int) {
	t.Helper()
	var r interface{}
	if remaining != nil {
		r = *remaining
	}
	_, err := p.cfg.DB.Exec(`INSERT INTO tickets (id, secret, target_name, remaining) VALUES (?, ?, ?, ?)`,
		secret, secret, target, r)
	require.NoError(t, err)
}

func TestConsumeTicketSingleUse(t *testing.T) {
	p, _ := newTestProvider(t)
	one := 1
	seedTicket(t, p, "xyz", "db", &one)

	ticket, err := p.ConsumeTicket(context.Background(), "xyz")
	require.NoError(t, err)
	require.Equal(t, "db", ticket.TargetName)

	_, err = p.ConsumeTicket(context.Background(), "xyz")
	require.Error(t, err)
}

func TestConsumeTicketConcurrentRace(t *testing.T) {
	p, _ := newTestProvider(t)
	one := 1
	seedTicket(t, p, "xyz", "db", &one)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.ConsumeTicket(context.Background(), "xyz")
			results <- err
		}()
	}
	var successes, failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, failures)
}

func TestConsumeTicketUnlimitedDoesNotDecrement(t *testing.T) {
	p, _ := newTestProvider(t)
	seedTicket(t, p, "abc", "db", nil)

	_, err := p.ConsumeTicket(context.Background(), "abc")
	require.NoError(t, err)
	_, err = p.ConsumeTicket(context.Background(), "abc")
	require.NoError(t, err)
}

func TestApplySSORoleMappingsRespectsManagedScope(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.cfg.DB.Exec(`INSERT INTO users (id, username) VALUES ('u1', 'alice')`)
	require.NoError(t, err)
	_, err = p.cfg.DB.Exec(`INSERT INTO roles (id, name) VALUES ('r1','devs'), ('r2','manual')`)
	require.NoError(t, err)
	_, err = p.cfg.DB.Exec(`INSERT INTO user_roles (user_id, role_id) VALUES ('u1', 'r2')`)
	require.NoError(t, err)

	err = p.ApplySSORoleMappings(ctx, "alice", []string{"devs"}, []string{"devs"})
	require.NoError(t, err)

	rows, err := p.cfg.DB.Query(`SELECT roles.name FROM roles JOIN user_roles ON user_roles.role_id = roles.id WHERE user_roles.user_id = 'u1'`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.ElementsMatch(t, []string{"devs", "manual"}, names)
}
