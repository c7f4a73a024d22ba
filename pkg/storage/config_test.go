package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown export backend", func(c *Config) { c.ExportBackend = "ftp" }, "unknown export backend"},
		{"unknown archive backend", func(c *Config) { c.ArchiveBackend = "tape" }, "unknown archive backend"},
		{"sqlite without path", func(c *Config) { c.ArchiveBackend = BackendSQLite; c.SQLitePath = "" }, "sqlite"},
		{"filesystem without root", func(c *Config) { c.FilesystemRoot = "" }, "root directory"},
		{"s3 without bucket", func(c *Config) { c.ExportBackend = BackendS3 }, "bucket"},
		{"s3 archive with bucket", func(c *Config) { c.ArchiveBackend = BackendS3; c.S3Bucket = "audit" }, ""},
		{"sqlite archive", func(c *Config) { c.ArchiveBackend = BackendSQLite }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
