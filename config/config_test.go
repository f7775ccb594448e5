package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[main]
debug = true
data_folder = "/var/lib/replicator"
state_folder = "state"

[capture]
enabled = false

[lazy]
workers = 2
retry_backoff_ms = 50
journal_folder = "journal"

[admin]
listen = "127.0.0.1:0"
password = "secret"

[[adapters]]
id = 1
name = "primary"
family = "sql"
path = "primary.db"

[[adapters]]
id = 2
name = "cache"
family = "kv"
addr = "127.0.0.1:6380"

[[tables]]
id = 1
name = "orders"
columns = ["id", "status", "region"]
primary_key = ["id"]
partition_column = "region"
partitions = [7, 9]

  [[tables.placements]]
  adapter = 1
  strategy = "eager"

  [[tables.placements]]
  adapter = 2
  strategy = "lazy"
  partitions = [7]
`

func TestDecodeSample(t *testing.T) {
	c, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	assert.True(t, c.Main.Debug)
	assert.Equal(t, "info", c.Main.LogLevel)
	assert.False(t, c.Capture.Enabled)
	assert.True(t, c.Lazy.Automatic)
	assert.Equal(t, 2, c.Lazy.Workers)
	assert.Equal(t, 3, c.Lazy.FailThreshold)
	assert.Equal(t, 50*time.Millisecond, c.Lazy.RetryBackoff())
	assert.Equal(t, "secret", c.Admin.Password)
	assert.Equal(t, "127.0.0.1:9300", c.Service.Listen)

	require.Len(t, c.Adapters, 2)
	assert.Equal(t, FamilyKV, c.Adapters[1].Family)
	assert.Equal(t, "127.0.0.1:6380", c.Adapters[1].Addr)

	require.Len(t, c.Tables, 1)
	orders := c.Tables[0]
	require.Len(t, orders.Placements, 2)
	assert.Equal(t, []int64{7, 9}, orders.PlacementPartitions(orders.Placements[0]))
	assert.Equal(t, []int64{7}, orders.PlacementPartitions(orders.Placements[1]))

	assert.Equal(t, filepath.Join("/var/lib/replicator", "primary.db"), c.Resolve("primary.db"))
	assert.Equal(t, "/abs/journal", c.Resolve("/abs/journal"))
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown family": `
[[adapters]]
id = 1
family = "graph"
path = "x"
`,
		"duplicate adapter": `
[[adapters]]
id = 1
family = "kv"
path = "a"
[[adapters]]
id = 1
family = "kv"
path = "b"
`,
		"kv without location": `
[[adapters]]
id = 1
family = "kv"
`,
		"partition without primary": `
[[adapters]]
id = 1
family = "sql"
path = "p.db"
[[tables]]
id = 1
name = "orders"
columns = ["id"]
primary_key = ["id"]
partitions = [1, 2]
  [[tables.placements]]
  adapter = 1
  strategy = "eager"
  partitions = [1]
`,
		"unknown placement adapter": `
[[tables]]
id = 1
name = "orders"
partitions = [1]
  [[tables.placements]]
  adapter = 5
  strategy = "eager"
`,
		"unknown strategy": `
[[adapters]]
id = 1
family = "sql"
path = "p.db"
[[tables]]
id = 1
name = "orders"
partitions = [1]
  [[tables.placements]]
  adapter = 1
  strategy = "sometimes"
`,
		"partition shared by tables": `
[[adapters]]
id = 1
family = "sql"
path = "p.db"
[[tables]]
id = 1
name = "orders"
partitions = [0, 1]
  [[tables.placements]]
  adapter = 1
  strategy = "eager"
[[tables]]
id = 2
name = "items"
partitions = [1, 2]
  [[tables.placements]]
  adapter = 1
  strategy = "eager"
`,
		"partition listed twice": `
[[adapters]]
id = 1
family = "sql"
path = "p.db"
[[tables]]
id = 1
name = "orders"
partitions = [3, 3]
  [[tables.placements]]
  adapter = 1
  strategy = "eager"
`,
		"resp without data folder": `
[service]
resp_listen = "127.0.0.1:6390"
`,
		"zero workers": `
[lazy]
workers = 0
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDecodeSyntaxError(t *testing.T) {
	_, err := Decode(strings.NewReader("[main"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicator.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", c.Tables[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestShippedConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "replicator.toml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6390", c.Service.RespListen)
	assert.Equal(t, "logs", c.Main.LogFolder)
	assert.Equal(t, 7, c.Main.LogRetentionDays)
	require.Len(t, c.Tables, 1)
	assert.Len(t, c.Tables[0].Placements, 2)
}
