package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/testutil"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	var err error
	testDB, err = testutil.InitDatabase(testutil.GetDatabaseConfig("db"))
	if err != nil {
		testutil.SkipPackageWithoutDB("db", err)
	}

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}
	os.Exit(result)
}

func TestGetEverythingFromTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := testDB.Exec(
		"CREATE TABLE test_table (foobar VARCHAR(256), bazfoo INT NOT NULL)")
	require.NoError(t, err)

	rows, err := db.GetEverythingFromTable(ctx, testDB, "test_table")
	require.NoError(t, err)
	assert.Empty(t, rows)

	insertQuery := func(index int) string {
		return fmt.Sprintf("INSERT INTO test_table VALUES ('test_%d', %d)", index, index)
	}

	_, err = testDB.Exec(insertQuery(0))
	require.NoError(t, err)
	_, err = testDB.Exec("INSERT INTO test_table VALUES (NULL, 1)")
	require.NoError(t, err)

	rows, err = db.GetEverythingFromTable(ctx, testDB, "test_table")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"test_0", "0"}, {"NULL", "1"}}, rows)
}

type namedRow struct {
	ID   int    `db:"id"`
	Name string `db:"name"`
}

func TestNamedGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := testDB.Exec("CREATE TABLE named_table (id SERIAL PRIMARY KEY, name TEXT UNIQUE NOT NULL)")
	require.NoError(t, err)

	var inserted namedRow
	err = db.NamedGet(ctx, testDB, &inserted,
		"INSERT INTO named_table (name) VALUES (:name) RETURNING *", namedRow{Name: "foo"})
	require.NoError(t, err)
	assert.Equal(t, "foo", inserted.Name)
	assert.NotZero(t, inserted.ID)

	t.Run("no rows", func(t *testing.T) {
		var none namedRow
		err := db.NamedGet(ctx, testDB, &none,
			"SELECT * FROM named_table WHERE name = :name", namedRow{Name: "bar"})
		assert.True(t, errors.Is(err, sql.ErrNoRows), err)
	})

	t.Run("unique violation", func(t *testing.T) {
		var duplicate namedRow
		err := db.NamedGet(ctx, testDB, &duplicate,
			"INSERT INTO named_table (name) VALUES (:name) RETURNING *", namedRow{Name: "foo"})
		require.Error(t, err)
		assert.True(t, db.IsUniqueViolation(err))
		assert.True(t, db.IsUniqueViolation(err, "named_table_name_key"))
		assert.False(t, db.IsUniqueViolation(err, "some_other_constraint"))
		assert.False(t, db.IsForeignKeyViolation(err))
		assert.False(t, db.IsCheckViolation(err))
	})
}

func TestWithTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := testDB.Exec("CREATE TABLE tx_table (value INT NOT NULL)")
	require.NoError(t, err)

	count := func() int {
		var c int
		require.NoError(t, testDB.Get(&c, "SELECT COUNT(*) FROM tx_table"))
		return c
	}

	err = testDB.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO tx_table VALUES (1)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count())

	t.Run("rolls back on error", func(t *testing.T) {
		failure := errors.New("failure")
		err := testDB.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO tx_table VALUES (2)"); err != nil {
				return err
			}
			return failure
		})
		assert.True(t, errors.Is(err, failure), err)
		assert.Equal(t, 1, count())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = testDB.WithTx(ctx, func(tx *sqlx.Tx) error {
				_, _ = tx.ExecContext(ctx, "INSERT INTO tx_table VALUES (3)")
				panic("oh no")
			})
		})
		assert.Equal(t, 1, count())
	})
}

func TestMigrationStatus(t *testing.T) {
	t.Parallel()
	status, err := testDB.MigrationStatus()
	require.NoError(t, err)
	assert.False(t, status.Dirty)
	assert.NotZero(t, status.Version)
}

func TestCreateMigration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d := &db.DB{MigrationsPath: "file://" + dir}

	files, err := d.CreateMigration("AddFooColumn")
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, file := range files {
		assert.Equal(t, dir, filepath.Dir(file))
		assert.FileExists(t, file)
	}
	assert.Contains(t, files[0], "_add_foo_column.up.pgsql")
	assert.Contains(t, files[1], "_add_foo_column.down.pgsql")

	t.Run("path without scheme", func(t *testing.T) {
		_, err := (&db.DB{MigrationsPath: dir}).CreateMigration("foo")
		assert.Error(t, err)
	})
}
