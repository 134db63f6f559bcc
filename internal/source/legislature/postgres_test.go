package legislature

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewPostgresStoreWithPool(mock, "legislatures")
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(context.Background(), PostgresConfig{})
	require.ErrorContains(t, err, "database.dsn")

	_, err = NewPostgresStoreWithPool(nil, "legislatures")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPostgresStoreWithPool(mock, "legislatures; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "legislatures", store.table)
}

func TestPostgresEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS legislatures").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveTitle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.New()
	president := "Francina Armengol Socías"
	mock.ExpectQuery("INSERT INTO legislatures").
		WithArgs(pgxmock.AnyArg(), leg15URL, "XV Legislatura").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "title", "president"}).
			AddRow(id, leg15URL, ptr("XV Legislatura"), &president))

	row, err := store.SaveTitle(context.Background(), leg15URL, "XV Legislatura")
	require.NoError(t, err)
	require.Equal(t, Legislature{ID: id, URL: leg15URL, Title: "XV Legislatura", President: president}, row)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetPresident(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO legislatures").
		WithArgs(pgxmock.AnyArg(), leg14URL, "Meritxell Batet Lamaña").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SetPresident(context.Background(), leg14URL, "Meritxell Batet Lamaña"))
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec("INSERT INTO legislatures").
		WithArgs(pgxmock.AnyArg(), leg14URL, "x").
		WillReturnError(errors.New("connection reset"))
	require.ErrorContains(t, store.SetPresident(context.Background(), leg14URL, "x"), "connection reset")
}

func TestPostgresList(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id14, id15 := uuid.New(), uuid.New()
	var noPresident *string
	mock.ExpectQuery("SELECT id, url, title, president FROM legislatures ORDER BY url").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "title", "president"}).
			AddRow(id14, leg14URL, ptr("XIV"), ptr("Batet")).
			AddRow(id15, leg15URL, ptr("XV"), noPresident))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Legislature{
		{ID: id14, URL: leg14URL, Title: "XIV", President: "Batet"},
		{ID: id15, URL: leg15URL, Title: "XV"},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func ptr(s string) *string { return &s }
