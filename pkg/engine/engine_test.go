package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/config"
	"github.com/intellect4all/rsqlstore/internal/dataitem"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

func testSchema() dataitem.TableSchema {
	return dataitem.TableSchema{Columns: []dataitem.TableColumn{
		{Name: "id", Type: dataitem.IntegerType(), PK: true, Index: true, Unique: true},
		{Name: "label", Type: dataitem.VarCharType(128), Index: false},
	}}
}

func TestBootstrapCreatesFreshDataDir(t *testing.T) {
	cfg := testConfig(t)
	e, err := Bootstrap(cfg)
	require.NoError(t, err)
	defer e.Shutdown()

	require.NotEmpty(t, e.InstanceID)
	stats := e.Stats()
	require.Equal(t, 0, stats.OpenTables)
}

func TestCreateInsertAndReopenTable(t *testing.T) {
	cfg := testConfig(t)
	e, err := Bootstrap(cfg)
	require.NoError(t, err)

	tnxID, err := e.Txn().BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, e.Txn().AcquireWriteLock(tnxID, 10))

	tbl, err := e.CreateTable(tnxID, 10, "items", testSchema())
	require.NoError(t, err)

	row := []dataitem.Item{
		dataitem.NewInteger(1),
		dataitem.NewVarCharHeader(128, []byte("widget"), 0, 0),
	}
	require.NoError(t, tbl.InsertRow(tnxID, row))
	require.NoError(t, e.Txn().EndTransaction(tnxID, true))

	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Shutdown())

	e2, err := Bootstrap(cfg)
	require.NoError(t, err)
	defer e2.Shutdown()

	reopened, err := e2.OpenTable(10, "items")
	require.NoError(t, err)

	got, err := reopened.GetRowByPK(dataitem.NewInteger(1))
	require.NoError(t, err)
	require.Equal(t, "widget", string(got[1].Body))
}

func TestStaleCheckpointTmpFileIsCleanedUp(t *testing.T) {
	cfg := testConfig(t)
	e, err := Bootstrap(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Shutdown())

	// Matches wal.go's Checkpoint naming exactly: "<path>.tmp.<uuid>".
	stalePath := filepath.Join(cfg.DataDir, "wal.log.tmp."+uuid.NewString())
	require.NoError(t, os.WriteFile(stalePath, []byte("garbage"), 0o644))

	e2, err := Bootstrap(cfg)
	require.NoError(t, err)
	defer e2.Shutdown()

	require.NoFileExists(t, stalePath)
}
