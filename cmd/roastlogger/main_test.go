package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roast.report/internal/config"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/notify"
	"github.com/banshee-data/roast.report/internal/roast"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/timeutil"
	"github.com/banshee-data/roast.report/internal/units"
)

var t0 = time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// seedDB creates a database with one completed roast holding a point every
// minute for twenty minutes.
func seedDB(t *testing.T) (*config.RoastConfig, *db.RoastSession) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roast.db")
	database, err := db.NewDB(path)
	require.NoError(t, err)
	defer database.Close()

	r, err := database.CreateRoastSession("Kenya AA", t0)
	require.NoError(t, err)
	for i := 0; i <= 20; i++ {
		require.NoError(t, database.AddDataPoint(r.ID, "sht31", units.Temperature, 100+float64(i)*5, units.Celsius, t0.Add(time.Duration(i)*time.Minute)))
	}
	ok, err := database.EndRoastSession(r.ID, t0.Add(20*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	return &config.RoastConfig{DBPath: &path}, r
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roast.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen": ":9090"}`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.GetListen())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	oldListen, oldDB, oldSim := *listen, *dbPath, *simulate
	t.Cleanup(func() { *listen, *dbPath, *simulate = oldListen, oldDB, oldSim })

	cfg := &config.RoastConfig{}
	applyFlags(cfg)
	assert.Equal(t, config.DefaultListen, cfg.GetListen())
	assert.False(t, cfg.GetSimulate())

	*listen, *dbPath, *simulate = ":7070", "/tmp/other.db", true
	applyFlags(cfg)
	assert.Equal(t, ":7070", cfg.GetListen())
	assert.Equal(t, "/tmp/other.db", cfg.GetDBPath())
	assert.True(t, cfg.GetSimulate())
}

func TestTruncate(t *testing.T) {
	cfg, r := seedDB(t)

	var out bytes.Buffer
	require.NoError(t, truncate(cfg, &out))
	assert.Contains(t, out.String(), "Processed 1 roasts, truncated 1")
	assert.Contains(t, out.String(), r.ID)
	assert.Contains(t, out.String(), "removed 4 points, 17 left")
}

func TestRunExport(t *testing.T) {
	cfg, r := seedDB(t)
	dir := t.TempDir()

	for _, format := range []string{"csv", "png", "html"} {
		t.Run(format, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, runExport(cfg, []string{"-format", format, "-out", dir, r.ID}, &out))

			path := filepath.Join(dir, "20260314-0905_Kenya_AA."+format)
			assert.Contains(t, out.String(), path)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
			if format == "csv" {
				assert.True(t, strings.HasPrefix(string(data), "timestamp,elapsed_s,metric,value,unit\n"))
			}
		})
	}
}

func TestRunExport_Errors(t *testing.T) {
	cfg, r := seedDB(t)
	var out bytes.Buffer

	assert.Error(t, runExport(cfg, nil, &out))
	assert.Error(t, runExport(cfg, []string{"-format", "pdf", r.ID}, &out))
	assert.ErrorIs(t, runExport(cfg, []string{"-out", t.TempDir(), "missing"}, &out), db.ErrNotFound)
	assert.Error(t, runExport(cfg, []string{"-o", "/etc/roast.csv", r.ID}, &out))
}

func TestCurveRestarter(t *testing.T) {
	curve := sensor.NewCurve(t0)
	c := curveRestarter{curve}

	c.Emit(notify.SensorData, nil)
	assert.True(t, curve.Start().Equal(t0))

	next := t0.Add(time.Hour)
	c.Emit(notify.RoastStarted, roast.StartedEvent{RoastID: "r1", StartTime: next})
	assert.True(t, curve.Start().Equal(next))
}

func TestBuildSensors(t *testing.T) {
	sim := true
	cfg := &config.RoastConfig{Simulate: &sim}
	m := sensor.NewManager()

	handles, closers, err := buildSensors(cfg, m, timeutil.RealClock{}, sensor.NewCurve(t0))
	require.NoError(t, err)
	assert.Empty(t, closers)
	require.Len(t, handles, len(config.DefaultSensors))
	assert.Equal(t, []string{"sht31", "sgp30"}, m.Keys())
}
