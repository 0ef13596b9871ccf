package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type rec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestAppendAndScanJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "records.jsonl")
	require.NoError(t, AppendJSONL(path, rec{ID: "1", Name: "a"}))
	require.NoError(t, AppendJSONL(path, rec{ID: "2", Name: "b"}))

	var got []rec
	require.NoError(t, ScanJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, "2", got[1].ID)
}

func TestScanJSONLMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.jsonl")
	var count int
	require.NoError(t, ScanJSONL(path, func(line []byte) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}

func TestRewriteJSONLDropsAndEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, AppendJSONL(path, rec{ID: "1", Name: "a"}))
	require.NoError(t, AppendJSONL(path, rec{ID: "2", Name: "b"}))
	require.NoError(t, AppendJSONL(path, rec{ID: "3", Name: "c"}))

	err := RewriteJSONL(path, func(line []byte) ([]byte, bool) {
		var r rec
		_ = json.Unmarshal(line, &r)
		if r.ID == "2" {
			return nil, false
		}
		if r.ID == "3" {
			r.Name = "edited"
			out, _ := json.Marshal(r)
			return out, true
		}
		return line, true
	})
	require.NoError(t, err)

	var got []rec
	require.NoError(t, ScanJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, "3", got[1].ID)
	require.Equal(t, "edited", got[1].Name)
}
