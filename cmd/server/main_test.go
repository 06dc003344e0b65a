package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "meshroom.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("port: 7881"), 0o644))

	tests := []struct {
		name     string
		file     string
		body     string
		expected string
	}{
		{name: "nothing given"},
		{name: "body only", body: "port: 7882", expected: "port: 7882"},
		{name: "body wins over file", file: configFile, body: "port: 7882", expected: "port: 7882"},
		{name: "file only", file: configFile, expected: "port: 7881"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := getConfigString(tt.file, tt.body)
			require.NoError(t, err)
			require.Equal(t, tt.expected, body)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		body, err := getConfigString(filepath.Join(dir, "missing.yaml"), "")
		require.Error(t, err)
		require.Empty(t, body)
	})
}
