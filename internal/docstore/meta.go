package docstore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseMeta is database-level metadata persisted in meta.yaml.
type DatabaseMeta struct {
	// Created is when the database was first created.
	Created time.Time `yaml:"created"`
	// LastAccessed is when the database was last read or written.
	LastAccessed time.Time `yaml:"last_accessed"`
	// Description is an optional human-readable description.
	Description string `yaml:"description,omitempty"`
}

// DatabaseInfo summarizes a database.
type DatabaseInfo struct {
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	Collections  []string  `json:"collections"`
	Documents    int64     `json:"documents"`
}

// NewDatabaseMeta creates metadata for a new database.
func NewDatabaseMeta(description string) *DatabaseMeta {
	now := time.Now().UTC()
	return &DatabaseMeta{
		Created:      now,
		LastAccessed: now,
		Description:  description,
	}
}

// LoadDatabaseMeta reads metadata from path.
func LoadDatabaseMeta(path string) (*DatabaseMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta DatabaseMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse database metadata: %w", err)
	}
	return &meta, nil
}

// SaveDatabaseMeta writes metadata to path.
func SaveDatabaseMeta(path string, meta *DatabaseMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal database metadata: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
